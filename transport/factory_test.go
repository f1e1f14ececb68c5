package transport

import (
	"testing"

	"github.com/opd-ai/meshdht/routing"
	"github.com/stretchr/testify/assert"
)

func TestFactorySelectBrowserBrowserUsesWebRTC(t *testing.T) {
	f := &Factory{LocalKind: routing.NodeKindBrowser}
	d := f.Select(routing.PeerMetadata{NodeKind: routing.NodeKindBrowser})
	assert.Equal(t, VariantWebRTC, d.Variant)
}

func TestFactorySelectServerServerUsesWebSocketLocalDials(t *testing.T) {
	f := &Factory{LocalKind: routing.NodeKindServer}
	d := f.Select(routing.PeerMetadata{NodeKind: routing.NodeKindServer})
	assert.Equal(t, VariantWebSocket, d.Variant)
	assert.True(t, d.LocalDials)
}

func TestFactorySelectServerToBrowserBrowserDials(t *testing.T) {
	f := &Factory{LocalKind: routing.NodeKindServer}
	d := f.Select(routing.PeerMetadata{NodeKind: routing.NodeKindBrowser})
	assert.Equal(t, VariantWebSocket, d.Variant)
	assert.False(t, d.LocalDials)
}

func TestFactorySelectBrowserToServerBrowserDials(t *testing.T) {
	f := &Factory{LocalKind: routing.NodeKindBrowser}
	d := f.Select(routing.PeerMetadata{NodeKind: routing.NodeKindServer})
	assert.Equal(t, VariantWebSocket, d.Variant)
	assert.True(t, d.LocalDials)
}

func TestFactorySelectInfersUnknownRemoteKindFromListeningAddresses(t *testing.T) {
	f := &Factory{LocalKind: routing.NodeKindServer}

	serverLike := f.Select(routing.PeerMetadata{ListeningAddresses: []string{"wss://x"}})
	assert.Equal(t, routing.NodeKindServer, serverLike.RemoteKind)

	browserLike := f.Select(routing.PeerMetadata{})
	assert.Equal(t, routing.NodeKindBrowser, browserLike.RemoteKind)
}
