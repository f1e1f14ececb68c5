package kademlia

import "time"

// Config holds the tunables spec.md §6 enumerates for the Kademlia layer.
type Config struct {
	// Alpha is the iterative-lookup concurrency (default 3).
	Alpha int
	// K is the bucket size / closest-peer result width (default 20).
	K int
	// RequestTimeout bounds a single find_node/find_value/store round trip.
	RequestTimeout time.Duration
	// PingTimeout bounds a single ping round trip.
	PingTimeout time.Duration
	// ConnectionTimeout bounds opening a new transport connection.
	ConnectionTimeout time.Duration
	// MaintenanceInterval is how often bucket refresh runs.
	MaintenanceInterval time.Duration
	// MaintenanceStaleAge is how often pending-request pruning and
	// last-seen touch runs (spec.md §4.9: "every ~5 min").
	MaintenanceStaleAge time.Duration
	// MinQuerySpacing is the minimum time between two find_node queries
	// issued to the same peer.
	MinQuerySpacing time.Duration
	// MaxQueryRetries is how many times a single lookup query is retried
	// with jittered backoff after its first attempt fails. When all
	// attempts fail, the failure is logged and the query returns its last
	// error; the peer's routing-table entry is left unchanged.
	MaxQueryRetries int
	// GlarePause is how long the polite side of a glare collision waits
	// for the peer's inbound connection before resuming its own dial
	// attempt (spec.md §4.5, "≈500 ms").
	GlarePause time.Duration
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Alpha:               3,
		K:                   20,
		RequestTimeout:      10 * time.Second,
		PingTimeout:         5 * time.Second,
		ConnectionTimeout:   45 * time.Second,
		MaintenanceInterval: 1 * time.Minute,
		MaintenanceStaleAge: 5 * time.Minute,
		MinQuerySpacing:     2 * time.Second,
		MaxQueryRetries:     3,
		GlarePause:          500 * time.Millisecond,
	}
}
