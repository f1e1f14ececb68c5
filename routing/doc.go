// Package routing implements the Kademlia k-bucket routing table keyed by
// XOR distance to the local node identifier (spec.md §3, §4.2): 160
// fixed-size buckets, least-recently-seen eviction ordering, and the
// closest-peers query used throughout the Kademlia lookup layer.
package routing
