// Package crypto implements the cryptographic primitives the mesh's
// identity layer depends on: Ed25519 signatures, secure memory wiping, an
// injectable time provider, and encrypted-at-rest key storage.
//
// # Digital Signatures
//
// Ed25519 signatures authenticate bootstrap admission challenges and, in
// the future, membership-token attestations:
//
//	signature, _ := crypto.Sign(message, privateKey)
//	valid, _ := crypto.Verify(message, signature, publicKey)
//
// # Key Storage
//
// EncryptedKeyStore provides encrypted at-rest storage for the identity
// key pair, backing identity.FileStore:
//
//	store, _ := crypto.NewEncryptedKeyStore("/path/to/data", []byte("passphrase"))
//	store.WriteEncrypted("identity.key", seed)
//	seed, _ := store.ReadEncrypted("identity.key")
//
// # Secure Memory Handling
//
// Sensitive data should be securely wiped after use:
//
//	defer crypto.ZeroBytes(sensitiveData)
//
// [SecureWipe] uses constant-time XOR operations that cannot be optimized
// away by the compiler, ensuring memory is actually zeroed.
//
// # Security Considerations
//
//   - PBKDF2 with 100,000 iterations for key derivation (NIST recommendation)
//   - AES-256-GCM for at-rest encryption with unique nonces
//   - Automatic secure wiping of intermediate cryptographic material
package crypto
