package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/meshdht/crypto"
	"github.com/sirupsen/logrus"
)

// identityFile is the filename used within a Store's data directory.
const identityFile = "identity.key"

// ErrNotFound is returned by Store.Load when no identity has been
// persisted yet; callers should fall back to identity.New.
var ErrNotFound = errors.New("identity: not found")

// Store is the pluggable capability the core needs for identity
// persistence (spec.md §4.3: "the core treats it as a pluggable
// capability"). A server host typically backs this with a file; a browser
// host backs it with its own durable key store — the core only depends on
// this interface.
type Store interface {
	// Load returns the previously persisted Identity, or ErrNotFound if
	// none exists yet.
	Load() (*Identity, error)
	// Save persists the given Identity, overwriting any prior value.
	Save(id *Identity) error
}

// FileStore is a Store backed by an AES-GCM-encrypted file on disk,
// grounded on the teacher's EncryptedKeyStore (crypto.EncryptedKeyStore).
type FileStore struct {
	ks      *crypto.EncryptedKeyStore
	dataDir string
	tp      crypto.TimeProvider
}

// NewFileStore creates a FileStore rooted at dataDir, encrypting at rest
// with a key derived from passphrase via PBKDF2.
func NewFileStore(dataDir string, passphrase []byte) (*FileStore, error) {
	ks, err := crypto.NewEncryptedKeyStore(dataDir, passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: open key store: %w", err)
	}
	return &FileStore{ks: ks, dataDir: dataDir, tp: crypto.DefaultTimeProvider{}}, nil
}

// Load reads and decrypts the persisted identity.
func (fs *FileStore) Load() (*Identity, error) {
	logger := logrus.WithFields(logrus.Fields{"function": "FileStore.Load", "package": "identity"})

	if _, statErr := os.Stat(filepath.Join(fs.dataDir, identityFile)); statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: stat: %w", statErr)
	}

	data, err := fs.ks.ReadEncrypted(identityFile)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("persisted identity is unreadable or corrupt")
		return nil, fmt.Errorf("identity: read: %w", err)
	}

	id, err := unmarshal(data, fs.tp)
	crypto.ZeroBytes(data)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal: %w", err)
	}

	logger.WithField("node_id", id.NodeID().ToHex()).Info("loaded identity from disk")
	return id, nil
}

// Save encrypts and persists the given identity, replacing any prior value.
func (fs *FileStore) Save(id *Identity) error {
	data := id.marshal()
	defer crypto.ZeroBytes(data)

	if err := fs.ks.WriteEncrypted(identityFile, data); err != nil {
		return fmt.Errorf("identity: write: %w", err)
	}
	return nil
}

// Close releases the underlying key store's in-memory encryption key.
func (fs *FileStore) Close() error {
	return fs.ks.Close()
}

// LoadOrCreate loads the persisted identity from store, generating and
// saving a new one if none exists yet. This is the usual entry point for
// a Supervisor on start (spec.md §4.3).
func LoadOrCreate(store Store) (*Identity, error) {
	id, err := store.Load()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id, err = New()
	if err != nil {
		return nil, err
	}
	if err := store.Save(id); err != nil {
		return nil, fmt.Errorf("identity: persist new identity: %w", err)
	}
	return id, nil
}
