package meshdht

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/meshdht/identity"
	"github.com/opd-ai/meshdht/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory identity.Store double, for tests that should
// never touch disk.
type memStore struct {
	id *identity.Identity
}

func (m *memStore) Load() (*identity.Identity, error) {
	if m.id == nil {
		return nil, identity.ErrNotFound
	}
	return m.id, nil
}

func (m *memStore) Save(id *identity.Identity) error {
	m.id = id
	return nil
}

func TestNewSupervisorGeneratesIdentityWhenStoreEmpty(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.BuildID = "test-build"

	sup, err := New(cfg, store, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "", sup.NodeID().ToHex())
	assert.NotNil(t, store.id, "identity must be persisted on first creation")
}

func TestNewSupervisorReusesPersistedIdentity(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()

	first, err := New(cfg, store, nil)
	require.NoError(t, err)

	second, err := New(cfg, store, nil)
	require.NoError(t, err)

	assert.Equal(t, first.NodeID(), second.NodeID())
}

func TestSupervisorStatusWithNoBootstrapConfigured(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()

	sup, err := New(cfg, store, nil)
	require.NoError(t, err)

	status := sup.Status()
	assert.Equal(t, sup.NodeID().ToHex(), status.NodeID)
	assert.Equal(t, 0, status.ConnectedPeers)
	assert.Equal(t, 0, status.KnownPeers)
	assert.False(t, status.BootstrapConnected)
}

func TestSupervisorStartStopWithoutBootstrap(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.MaintenanceInterval = time.Hour
	cfg.MaintenanceStaleAge = time.Hour

	sup, err := New(cfg, store, nil)
	require.NoError(t, err)

	sup.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, sup.Close())
}

func TestNewSupervisorBrowserKindSetsTabVisible(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.LocalKind = routing.NodeKindBrowser

	sup, err := New(cfg, store, nil)
	require.NoError(t, err)
	assert.Equal(t, routing.NodeKindBrowser, sup.localMeta.NodeKind)
	require.NotNil(t, sup.localMeta.TabVisible)
	assert.True(t, *sup.localMeta.TabVisible, "AlwaysVisible host must report visible=true")
}
