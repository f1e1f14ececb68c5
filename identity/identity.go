package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/crypto"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/sirupsen/logrus"
)

// ErrDestroyed is returned by any operation attempted after Destroy has
// been called on the Identity.
var ErrDestroyed = errors.New("identity: destroyed")

// Identity is the owning holder of one Ed25519 key pair, as specified in
// spec.md §3 and §4.3. The private key never leaves the process; NodeId is
// deterministically derived from the public key via SHA-1 (nodeid.FromPublicKey).
type Identity struct {
	mu sync.Mutex

	publicKey  [32]byte
	privateKey ed25519.PrivateKey // 64 bytes: seed || public key
	id         nodeid.ID

	createdAt time.Time
	lastUsed  time.Time

	tp        crypto.TimeProvider
	destroyed bool
}

// New generates a fresh Identity using a CSPRNG, per spec.md §4.3 ("created
// on first start").
func New() (*Identity, error) {
	return newWithTimeProvider(nil)
}

func newWithTimeProvider(tp crypto.TimeProvider) (*Identity, error) {
	logger := logrus.WithFields(logrus.Fields{"function": "New", "package": "identity"})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithError(err).Error("failed to generate ed25519 key pair")
		return nil, err
	}

	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	now := tp.Now()

	id := &Identity{
		privateKey: priv,
		tp:         tp,
		createdAt:  now,
		lastUsed:   now,
	}
	copy(id.publicKey[:], pub)
	id.id = nodeid.FromPublicKey(id.publicKey[:])

	logger.WithField("node_id", id.id.ToHex()).Info("generated new identity")
	return id, nil
}

// FromSeed reconstructs an Identity from a 32-byte Ed25519 seed, as loaded
// from durable storage ("loaded from durable storage on subsequent
// starts", spec.md §4.3).
func FromSeed(seed [32]byte, createdAt time.Time) (*Identity, error) {
	return fromSeedWithTimeProvider(seed, createdAt, nil)
}

func fromSeedWithTimeProvider(seed [32]byte, createdAt time.Time, tp crypto.TimeProvider) (*Identity, error) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}

	id := &Identity{
		privateKey: priv,
		tp:         tp,
		createdAt:  createdAt,
		lastUsed:   tp.Now(),
	}
	copy(id.publicKey[:], pub)
	id.id = nodeid.FromPublicKey(id.publicKey[:])
	return id, nil
}

// NodeID returns the identifier derived from this identity's public key.
func (i *Identity) NodeID() nodeid.ID {
	return i.id
}

// PublicKey returns a copy of the public key.
func (i *Identity) PublicKey() [32]byte {
	return i.publicKey
}

// CreatedAt returns the time this identity was first generated.
func (i *Identity) CreatedAt() time.Time {
	return i.createdAt
}

// LastUsed returns the time this identity was last touched by Sign or
// explicit Touch.
func (i *Identity) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// Touch marks the identity as used right now, updating LastUsed. This is
// the only mutation the identity undergoes outside of destruction
// (spec.md §4.3: "mutated only on last_used touch").
func (i *Identity) Touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastUsed = i.tp.Now()
}

// Sign produces an Ed25519 signature over message using the private key,
// and touches last_used.
func (i *Identity) Sign(message []byte) (crypto.Signature, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.destroyed {
		return crypto.Signature{}, ErrDestroyed
	}

	var seed [32]byte
	copy(seed[:], i.privateKey.Seed())
	sig, err := crypto.Sign(message, seed)
	crypto.ZeroBytes(seed[:])
	if err != nil {
		return crypto.Signature{}, err
	}

	i.lastUsed = i.tp.Now()
	return sig, nil
}

// Verify checks a signature against a message and public key. It is a
// pure function and does not require an Identity instance, but is exposed
// as a method for call-site symmetry with Sign.
func (i *Identity) Verify(publicKey [32]byte, message []byte, sig crypto.Signature) (bool, error) {
	return crypto.Verify(message, sig, publicKey)
}

// seed returns a copy of the 32-byte Ed25519 seed, for persistence only.
// Callers must ZeroBytes the result after use.
func (i *Identity) seed() [32]byte {
	var seed [32]byte
	copy(seed[:], i.privateKey.Seed())
	return seed
}

// Destroy explicitly erases the private key from memory. Per spec.md §4.3
// ("destroyed explicitly, not by GC"), Identity is never relied upon to be
// cleaned up by the garbage collector; callers must call Destroy when the
// identity is no longer needed.
func (i *Identity) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return
	}
	crypto.ZeroBytes(i.privateKey)
	i.destroyed = true
}

// marshal produces the durable representation of the identity: seed (32
// bytes) followed by the created_at unix-nano timestamp (8 bytes,
// big-endian). last_used is not persisted; it is re-derived at load time.
func (i *Identity) marshal() []byte {
	seed := i.seed()
	defer crypto.ZeroBytes(seed[:])

	buf := make([]byte, 32+8)
	copy(buf[:32], seed[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(i.createdAt.UnixNano()))
	return buf
}

// unmarshal reconstructs an Identity from the bytes produced by marshal.
func unmarshal(data []byte, tp crypto.TimeProvider) (*Identity, error) {
	if len(data) != 40 {
		return nil, errors.New("identity: corrupt persisted identity")
	}

	var seed [32]byte
	copy(seed[:], data[:32])
	defer crypto.ZeroBytes(seed[:])

	createdAt := time.Unix(0, int64(binary.BigEndian.Uint64(data[32:40])))
	return fromSeedWithTimeProvider(seed, createdAt, tp)
}
