// Package limits provides centralized wire-message size constants and
// validation functions for the overlay's JSON frame protocol (spec.md
// §6). It guards three independent tiers:
//
//   - MaxSignalFrame: small control frames (ping, pong, find_node,
//     connection_offer/_answer/_candidate) that never carry user data.
//   - MaxStoreValue: the value payload of a `store` frame, which may
//     carry arbitrary application data up to this ceiling.
//   - MaxWireFrame: the absolute maximum size of any single decoded JSON
//     frame, regardless of type, guarding against memory exhaustion from
//     a misbehaving or malicious peer.
package limits
