package routing

import (
	"errors"
	"fmt"
	"time"
)

// NodeKind classifies a peer's reachability shape, per spec.md §3.
type NodeKind string

const (
	// NodeKindServer is a long-lived, publicly dialable participant.
	NodeKindServer NodeKind = "server"
	// NodeKindBrowser is a transient, inbound-unreachable participant.
	NodeKindBrowser NodeKind = "browser"
	// NodeKindBridge is a server-role node permitted to relay for browsers.
	NodeKindBridge NodeKind = "bridge"
)

// ErrInvalidMetadata is returned by Validate when a PeerMetadata violates
// the invariant in spec.md §3: a browser peer's listening_addresses must
// be empty and its tab_visible must be defined.
var ErrInvalidMetadata = errors.New("routing: invalid peer metadata")

// PeerMetadata is attached to each routing-table entry (spec.md §3). It is
// replaced atomically on handshake or explicit refresh; callers must never
// mutate an individual field of a metadata value already stored in a
// Table — construct a new value and re-Insert/Touch instead.
type PeerMetadata struct {
	NodeKind           NodeKind
	ListeningAddresses []string
	PublicAddress      string // empty if unset
	Capabilities       map[string]struct{}
	TabVisible         *bool // nil unless NodeKind == NodeKindBrowser
	ProtocolVersion    string
	BuildID            string
	LastSeen           time.Time
	RTTMillis          *float64 // nil until a ping has completed
}

// HasCapability reports whether the metadata advertises the given
// capability string.
func (m PeerMetadata) HasCapability(name string) bool {
	if m.Capabilities == nil {
		return false
	}
	_, ok := m.Capabilities[name]
	return ok
}

// Validate enforces spec.md §3's per-kind invariant: a browser peer has no
// listening addresses and a defined tab-visibility signal.
func (m PeerMetadata) Validate() error {
	if m.NodeKind == NodeKindBrowser {
		if len(m.ListeningAddresses) != 0 {
			return fmt.Errorf("routing: browser peer must not advertise listening addresses: %w", ErrInvalidMetadata)
		}
		if m.TabVisible == nil {
			return fmt.Errorf("routing: browser peer must report tab_visible: %w", ErrInvalidMetadata)
		}
	}
	return nil
}

// IsBrowserTabHidden reports whether this peer is a browser whose host tab
// is currently hidden. Used by the inactive-tab ping filter (spec.md §4.4).
func (m PeerMetadata) IsBrowserTabHidden() bool {
	return m.NodeKind == NodeKindBrowser && m.TabVisible != nil && !*m.TabVisible
}

// InferKind infers a node's kind from its advertised metadata when the
// remote kind is otherwise unknown (spec.md §4.10): presence of any
// listening address implies a server, absence implies a browser.
func InferKind(listeningAddresses []string) NodeKind {
	if len(listeningAddresses) > 0 {
		return NodeKindServer
	}
	return NodeKindBrowser
}
