// Package identity implements the durable key pair each node holds: an
// Ed25519 key pair, the NodeId derived from its public key, sign/verify,
// and a pluggable Store capability for loading/persisting the key pair
// across restarts.
package identity
