// Package transport implements the per-peer connection abstraction
// shared by both wire transports (spec.md §4.4-§4.7): a uniform
// open/send/request/close surface, a connection lifecycle state machine
// with perfect-negotiation glare resolution, and the factory that picks
// WebSocket or WebRTC for a given pair of peer kinds (spec.md §4.10).
package transport
