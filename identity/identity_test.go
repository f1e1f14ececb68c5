package identity

import (
	"testing"
	"time"

	"github.com/opd-ai/meshdht/crypto"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesDistinctIdentities(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	assert.NotEqual(t, a.NodeID(), b.NodeID())
}

func TestNodeIDMatchesPublicKeyDerivation(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	pk := id.PublicKey()
	assert.Equal(t, nodeid.FromPublicKey(pk[:]), id.NodeID())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	msg := []byte("bootstrap nonce to sign")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	ok, err := id.Verify(id.PublicKey(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = id.Verify(id.PublicKey(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	before := id.LastUsed()
	time.Sleep(2 * time.Millisecond)
	id.Touch()
	assert.True(t, id.LastUsed().After(before))
}

func TestSignTouchesLastUsed(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	before := id.LastUsed()
	time.Sleep(2 * time.Millisecond)
	_, err = id.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, id.LastUsed().After(before))
}

func TestDestroyRejectsFurtherSigning(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	id.Destroy()
	_, err = id.Sign([]byte("msg"))
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	data := id.marshal()
	restored, err := unmarshal(data, crypto.DefaultTimeProvider{})
	require.NoError(t, err)

	assert.Equal(t, id.NodeID(), restored.NodeID())
	assert.Equal(t, id.PublicKey(), restored.PublicKey())
	assert.WithinDuration(t, id.CreatedAt(), restored.CreatedAt(), time.Second)
}

func TestUnmarshalRejectsCorruptData(t *testing.T) {
	_, err := unmarshal([]byte("too short"), crypto.DefaultTimeProvider{})
	assert.Error(t, err)
}
