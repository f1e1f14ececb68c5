// Package kademlia implements the iterative lookup and maintenance layer
// on top of a routing.Table: ping, find_node, find_value, store, the
// periodic bucket-refresh and pending-request pruning, per-peer find_node
// rate limiting, and relaying of connection-signal frames toward their
// intended recipient.
package kademlia
