package routing

// MarshalWire renders the metadata into the plain-map shape carried on
// "metadata" fields of handshake and bootstrap frames (spec.md §6),
// shared by the transport and bootstrap packages so both encode peer
// metadata identically.
func (m PeerMetadata) MarshalWire() map[string]any {
	caps := make([]string, 0, len(m.Capabilities))
	for c := range m.Capabilities {
		caps = append(caps, c)
	}

	out := map[string]any{
		"nodeKind":           string(m.NodeKind),
		"listeningAddresses": m.ListeningAddresses,
		"publicAddress":      m.PublicAddress,
		"capabilities":       caps,
		"protocolVersion":    m.ProtocolVersion,
		"buildId":            m.BuildID,
	}
	if m.TabVisible != nil {
		out["tabVisible"] = *m.TabVisible
	}
	return out
}

// UnmarshalWireMetadata parses the plain-map shape MarshalWire produces
// back into a PeerMetadata. It does not validate; call Validate
// separately once the caller has decided how to treat a missing
// build_id (transport's handshake decoding rejects it; the bootstrap and
// kademlia peer-list decoders keep it empty).
func UnmarshalWireMetadata(raw map[string]any) PeerMetadata {
	m := PeerMetadata{}
	if v, ok := raw["nodeKind"].(string); ok {
		m.NodeKind = NodeKind(v)
	}
	if v, ok := raw["publicAddress"].(string); ok {
		m.PublicAddress = v
	}
	if v, ok := raw["protocolVersion"].(string); ok {
		m.ProtocolVersion = v
	}
	if v, ok := raw["buildId"].(string); ok {
		m.BuildID = v
	}
	if addrs, ok := raw["listeningAddresses"].([]any); ok {
		for _, a := range addrs {
			if s, ok := a.(string); ok {
				m.ListeningAddresses = append(m.ListeningAddresses, s)
			}
		}
	}
	if caps, ok := raw["capabilities"].([]any); ok {
		m.Capabilities = make(map[string]struct{}, len(caps))
		for _, c := range caps {
			if s, ok := c.(string); ok {
				m.Capabilities[s] = struct{}{}
			}
		}
	}
	if v, ok := raw["tabVisible"].(bool); ok {
		m.TabVisible = &v
	}
	if m.NodeKind == "" {
		m.NodeKind = InferKind(m.ListeningAddresses)
	}
	return m
}
