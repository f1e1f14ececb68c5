// Package nodeid implements the 160-bit Kademlia node identifier used
// throughout the mesh: XOR distance, bit-level operations, and the
// hex/public-key derivations the rest of the core depends on.
package nodeid
