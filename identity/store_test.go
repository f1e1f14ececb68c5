package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLoadNotFound(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), []byte("test passphrase"))
	require.NoError(t, err)
	defer fs.Close()

	_, err = fs.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileStore(dir, []byte("test passphrase"))
	require.NoError(t, err)

	id, err := New()
	require.NoError(t, err)
	require.NoError(t, fs.Save(id))
	require.NoError(t, fs.Close())

	reopened, err := NewFileStore(dir, []byte("test passphrase"))
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), loaded.NodeID())
}

func TestFileStoreWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileStore(dir, []byte("correct passphrase"))
	require.NoError(t, err)
	id, err := New()
	require.NoError(t, err)
	require.NoError(t, fs.Save(id))
	require.NoError(t, fs.Close())

	wrong, err := NewFileStore(dir, []byte("wrong passphrase"))
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.Load()
	assert.Error(t, err)
}

func TestLoadOrCreateGeneratesWhenMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), []byte("test passphrase"))
	require.NoError(t, err)
	defer fs.Close()

	id, err := LoadOrCreate(fs)
	require.NoError(t, err)
	assert.False(t, id.NodeID().IsZero())

	reloaded, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), reloaded.NodeID())
}
