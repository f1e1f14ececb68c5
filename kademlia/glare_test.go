package kademlia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKademliaWithConfig(t *testing.T, cfg Config) (*Kademlia, nodeid.ID) {
	t.Helper()
	local := testID(t, 0x01)
	table := routing.NewTable(local, 20)
	factory := &transport.Factory{LocalKind: routing.NodeKindServer}
	k := New(local, routing.PeerMetadata{NodeKind: routing.NodeKindServer, BuildID: "b1"}, table, factory, nil, cfg)
	return k, local
}

// TestPoliteSideYieldsAndAdoptsInboundConnection covers spec.md §4.5's
// glare scenario (S5) from the polite side: local_id < peer_id, so the
// in-flight attempt already adopted for peer is cancelled and the local
// side waits for the peer's own inbound connection to arrive instead.
func TestPoliteSideYieldsAndAdoptsInboundConnection(t *testing.T) {
	k, local := newTestKademliaWithConfig(t, DefaultConfig())
	peer := testID(t, 0x02) // > local, so local is polite
	require.True(t, local.Less(peer))

	existing := newConnectingFakeManager()
	k.AdoptConnection(peer, existing)
	time.Sleep(10 * time.Millisecond)

	inbound := newFakeManager()
	go func() {
		time.Sleep(100 * time.Millisecond)
		k.AdoptConnection(peer, inbound)
	}()

	record := routing.PeerRecord{ID: peer, Metadata: routing.PeerMetadata{NodeKind: routing.NodeKindServer}}
	mgr, err := k.connectionFor(context.Background(), record)
	require.NoError(t, err)
	assert.Same(t, inbound, mgr)
	assert.True(t, errors.Is(existing.closedWith, transport.ErrPoliteYielded))
}

// TestImpoliteSideWaitsForExistingAttempt covers the other half of S5:
// local_id > peer_id, so the local side keeps its (adopted, in-flight)
// attempt and ignores the new request rather than dialing a second time.
func TestImpoliteSideWaitsForExistingAttempt(t *testing.T) {
	k, local := newTestKademliaWithConfig(t, DefaultConfig())
	peer := testID(t, 0x00) // < local, so local is impolite
	require.False(t, local.Less(peer))

	existing := newConnectingFakeManager()
	k.AdoptConnection(peer, existing)
	existing.setOpenAfter(50 * time.Millisecond)

	record := routing.PeerRecord{ID: peer, Metadata: routing.PeerMetadata{NodeKind: routing.NodeKindServer}}
	mgr, err := k.connectionFor(context.Background(), record)
	require.NoError(t, err)
	assert.Same(t, existing, mgr)
}

// TestImpoliteSideTimesOutWhenExistingNeverOpens ensures the impolite
// wait is bounded by ConnectionTimeout rather than blocking forever.
func TestImpoliteSideTimesOutWhenExistingNeverOpens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionTimeout = 50 * time.Millisecond
	k, local := newTestKademliaWithConfig(t, cfg)
	peer := testID(t, 0x00)
	require.False(t, local.Less(peer))

	existing := newConnectingFakeManager()
	k.AdoptConnection(peer, existing)

	record := routing.PeerRecord{ID: peer, Metadata: routing.PeerMetadata{NodeKind: routing.NodeKindServer}}
	_, err := k.connectionFor(context.Background(), record)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

// TestPoliteSideFallsBackToDialWhenNoInboundArrives covers the polite
// side's fallback: if the peer's inbound connection never shows up
// within GlarePause, the local side resumes its own dial attempt.
func TestPoliteSideFallsBackToDialWhenNoInboundArrives(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlarePause = 30 * time.Millisecond
	k, local := newTestKademliaWithConfig(t, cfg)
	peer := testID(t, 0x02)
	require.True(t, local.Less(peer))

	existing := newConnectingFakeManager()
	k.AdoptConnection(peer, existing)

	// No ListeningAddresses: dialFresh's own fallback fails fast with
	// ErrNoReachableAddr rather than reaching for the network, which is
	// enough to prove resolveGlare actually fell through to dialFresh
	// instead of hanging or returning the stale existing manager.
	record := routing.PeerRecord{ID: peer, Metadata: routing.PeerMetadata{NodeKind: routing.NodeKindServer}}
	_, err := k.connectionFor(context.Background(), record)
	assert.ErrorIs(t, err, transport.ErrNoReachableAddr)
	assert.True(t, errors.Is(existing.closedWith, transport.ErrPoliteYielded))
}
