package transport

import (
	"fmt"

	"github.com/opd-ai/meshdht/hostenv"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
	"github.com/pion/webrtc/v3"
)

// Variant names the wire transport a Factory decision selects.
type Variant int

const (
	VariantWebSocket Variant = iota
	VariantWebRTC
)

// Decision is the pure output of Factory.Select: which variant to use
// and, for WebSocket, which side dials (spec.md §4.10).
type Decision struct {
	Variant      Variant
	LocalDials   bool // true if the local side is the WebSocket client
	RemoteKind   routing.NodeKind
}

// Factory maps (local_kind, remote_kind, remote_metadata) to a
// transport variant. It holds no per-peer state and is safe to use
// concurrently; a fresh Manager is constructed per decision rather than
// cached (this module's resolution of spec.md's factory-caching open
// question: per-instance, no cache, matching the spec's own stated
// preference).
type Factory struct {
	LocalKind  routing.NodeKind
	ICEServers []webrtc.ICEServer
	HostEnv    hostenv.HostEnvironment
}

// Select implements the routing rules of spec.md §4.10.
func (f *Factory) Select(remoteMetadata routing.PeerMetadata) Decision {
	remoteKind := remoteMetadata.NodeKind
	if remoteKind == "" {
		remoteKind = routing.InferKind(remoteMetadata.ListeningAddresses)
	}

	if f.LocalKind == routing.NodeKindBrowser && remoteKind == routing.NodeKindBrowser {
		return Decision{Variant: VariantWebRTC, RemoteKind: remoteKind}
	}

	if f.LocalKind == routing.NodeKindBrowser || remoteKind == routing.NodeKindBrowser {
		// anything else involving a browser uses WebSocket with the
		// browser as client.
		return Decision{
			Variant:    VariantWebSocket,
			LocalDials: f.LocalKind == routing.NodeKindBrowser,
			RemoteKind: remoteKind,
		}
	}

	// server, server (or bridge combinations): WebSocket, local dials.
	return Decision{Variant: VariantWebSocket, LocalDials: true, RemoteKind: remoteKind}
}

// NewManager constructs the concrete Manager a Decision calls for.
// dialURL is required when the decision has LocalDials set on
// WebSocket; signalOut is required for WebRTC.
func (f *Factory) NewManager(
	localID, remoteID nodeid.ID,
	localMeta routing.PeerMetadata,
	decision Decision,
	dialURL string,
	signalOut func(wire.Frame) error,
) (Manager, error) {
	switch decision.Variant {
	case VariantWebSocket:
		if !decision.LocalDials {
			return nil, fmt.Errorf("transport: server-initiated websocket requires accepting the reverse dial, not NewManager")
		}
		if dialURL == "" {
			return nil, fmt.Errorf("transport: websocket client requires a dial URL")
		}
		return NewWebSocketClient(localID, remoteID, dialURL, localMeta), nil
	case VariantWebRTC:
		role := NegotiationRole(localID, remoteID)
		return NewWebRTCManager(localID, remoteID, role, f.ICEServers, localMeta, f.HostEnv, signalOut), nil
	default:
		return nil, fmt.Errorf("transport: unknown variant %d", decision.Variant)
	}
}
