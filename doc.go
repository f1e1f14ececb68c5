// Package meshdht assembles the identity, routing table, bootstrap link,
// transport factory, and Kademlia layer into a single running node
// (spec.md §3's Supervisor), and enumerates the core's configuration
// surface (spec.md §6).
package meshdht
