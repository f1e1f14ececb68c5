package transport

import (
	"fmt"

	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/wire"
)

// metadataToWire renders a routing.PeerMetadata into the plain-map
// shape carried on "metadata" fields of handshake frames.
func metadataToWire(m routing.PeerMetadata) map[string]any {
	return m.MarshalWire()
}

// metadataFromWire parses the "metadata" field of a handshake frame
// back into a routing.PeerMetadata, rejecting a missing build_id per
// this module's resolution of spec.md's open question on that field
// (see SPEC_FULL.md).
func metadataFromWire(frame wire.Frame) (routing.PeerMetadata, error) {
	raw, ok := frame.Raw("metadata")
	if !ok {
		return routing.PeerMetadata{}, fmt.Errorf("%w: metadata", wire.ErrMissingField)
	}
	asMap, ok := raw.(map[string]any)
	if !ok {
		return routing.PeerMetadata{}, fmt.Errorf("%w: metadata not an object", wire.ErrMissingField)
	}

	m := routing.UnmarshalWireMetadata(asMap)
	if m.BuildID == "" {
		return routing.PeerMetadata{}, fmt.Errorf("transport: metadata missing build_id: %w", ErrHandshakeFailed)
	}

	if err := m.Validate(); err != nil {
		return routing.PeerMetadata{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return m, nil
}
