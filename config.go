package meshdht

import (
	"time"

	"github.com/opd-ai/meshdht/bootstrap"
	"github.com/opd-ai/meshdht/kademlia"
	"github.com/opd-ai/meshdht/routing"
	"github.com/pion/webrtc/v3"
)

// Config enumerates the core's configuration surface, spec.md §6
// ("Configuration (core, enumerated)"), following the teacher's
// Options/DefaultConfig pattern (an exported struct plus a constructor
// that fills in the stated defaults).
type Config struct {
	// BucketSize is k, the routing table's per-bucket capacity.
	BucketSize int
	// Concurrency is α, the iterative-lookup fan-out.
	Concurrency int

	RequestTimeout    time.Duration
	PingTimeout       time.Duration
	ConnectionTimeout time.Duration

	BootstrapURLs        []string
	BootstrapReconnect   time.Duration
	BootstrapMaxAttempts int

	ICEServers []webrtc.ICEServer

	KeepAliveVisible time.Duration
	KeepAliveHidden  time.Duration
	KeepAliveTimeout time.Duration

	MaintenanceInterval time.Duration
	MaintenanceStaleAge time.Duration

	// LocalKind classifies this node for TransportFactory's routing
	// rules (spec.md §4.10): NodeKindServer or NodeKindBrowser.
	LocalKind routing.NodeKind
	// ProtocolVersion and BuildID are advertised on handshake and
	// bootstrap admission (spec.md §4.3, §4.8).
	ProtocolVersion string
	BuildID         string
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		BucketSize:           routing.DefaultBucketSize,
		Concurrency:          3,
		RequestTimeout:       10 * time.Second,
		PingTimeout:          5 * time.Second,
		ConnectionTimeout:    45 * time.Second,
		BootstrapReconnect:   10 * time.Second,
		BootstrapMaxAttempts: 20,
		KeepAliveVisible:     30 * time.Second,
		KeepAliveHidden:      10 * time.Second,
		KeepAliveTimeout:     60 * time.Second,
		MaintenanceInterval:  1 * time.Minute,
		MaintenanceStaleAge:  5 * time.Minute,
		LocalKind:            routing.NodeKindServer,
		ProtocolVersion:      "1",
	}
}

// kademliaConfig narrows this Config down to kademlia.Config.
func (c Config) kademliaConfig() kademlia.Config {
	cfg := kademlia.DefaultConfig()
	cfg.Alpha = c.Concurrency
	cfg.K = c.BucketSize
	cfg.RequestTimeout = c.RequestTimeout
	cfg.PingTimeout = c.PingTimeout
	cfg.ConnectionTimeout = c.ConnectionTimeout
	cfg.MaintenanceInterval = c.MaintenanceInterval
	cfg.MaintenanceStaleAge = c.MaintenanceStaleAge
	return cfg
}

// bootstrapConfig narrows this Config down to bootstrap.Config.
func (c Config) bootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		ReconnectBaseMs: int(c.BootstrapReconnect / time.Millisecond),
		MaxAttempts:     c.BootstrapMaxAttempts,
	}
}
