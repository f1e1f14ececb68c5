// Package bootstrap implements the long-lived link to a bootstrap
// endpoint (spec.md §4.8): authenticated admission, initial peer
// discovery, invitation relay, and WebRTC signaling fallback between
// browser peers with no other path. Bootstrap state is independent of
// the DHT's own peer set: losing this link never drops DHT peers.
package bootstrap
