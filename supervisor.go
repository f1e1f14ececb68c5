package meshdht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshdht/bootstrap"
	"github.com/opd-ai/meshdht/hostenv"
	"github.com/opd-ai/meshdht/identity"
	"github.com/opd-ai/meshdht/kademlia"
	"github.com/opd-ai/meshdht/nodeid"
	"github.com/opd-ai/meshdht/routing"
	"github.com/opd-ai/meshdht/transport"
	"github.com/sirupsen/logrus"
)

// Status is a point-in-time snapshot of a running Supervisor, for admin
// surfaces and diagnostics.
type Status struct {
	NodeID             string
	ConnectedPeers     int
	KnownPeers         int
	BootstrapConnected bool
	StoredKeys         int
}

// Supervisor owns one node's full stack: its Identity, RoutingTable,
// TransportFactory, BootstrapClient, and Kademlia layer. It is the
// top-level object an embedder constructs and starts (spec.md §3).
type Supervisor struct {
	cfg       Config
	id        *identity.Identity
	table     *routing.Table
	factory   *transport.Factory
	bootstrap *bootstrap.Client
	kad       *kademlia.Kademlia
	localMeta routing.PeerMetadata
	hostEnv   hostenv.HostEnvironment

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor. idStore supplies identity persistence
// (spec.md §4.3: "only the identity is persisted"); hostEnv may be nil,
// in which case hostenv.AlwaysVisible is used (appropriate for a server
// host that is never backgrounded).
func New(cfg Config, idStore identity.Store, hostEnv hostenv.HostEnvironment) (*Supervisor, error) {
	id, err := identity.LoadOrCreate(idStore)
	if err != nil {
		return nil, fmt.Errorf("meshdht: load identity: %w", err)
	}

	if hostEnv == nil {
		hostEnv = hostenv.AlwaysVisible{}
	}

	localMeta := routing.PeerMetadata{
		NodeKind:        cfg.LocalKind,
		ProtocolVersion: cfg.ProtocolVersion,
		BuildID:         cfg.BuildID,
	}
	if cfg.LocalKind == routing.NodeKindBrowser {
		visible := hostEnv.IsVisible()
		localMeta.TabVisible = &visible
	}
	if err := localMeta.Validate(); err != nil {
		return nil, fmt.Errorf("meshdht: invalid local metadata: %w", err)
	}

	table := routing.NewTable(id.NodeID(), cfg.BucketSize)
	factory := &transport.Factory{LocalKind: cfg.LocalKind, ICEServers: cfg.ICEServers, HostEnv: hostEnv}

	var bootstrapClient *bootstrap.Client
	if len(cfg.BootstrapURLs) > 0 {
		bootstrapClient = bootstrap.NewClient(id, cfg.BootstrapURLs, localMeta, cfg.ProtocolVersion, cfg.BuildID, cfg.bootstrapConfig())
	}

	kad := kademlia.New(id.NodeID(), localMeta, table, factory, bootstrapClient, cfg.kademliaConfig())

	return &Supervisor{
		cfg:       cfg,
		id:        id,
		table:     table,
		factory:   factory,
		bootstrap: bootstrapClient,
		kad:       kad,
		localMeta: localMeta,
		hostEnv:   hostEnv,
	}, nil
}

// NodeID returns this node's identifier.
func (s *Supervisor) NodeID() nodeid.ID { return s.id.NodeID() }

// Table returns the supervisor's routing table, for callers that need
// direct read access (e.g. an admin endpoint).
func (s *Supervisor) Table() *routing.Table { return s.table }

// Kademlia returns the supervisor's lookup/maintenance layer.
func (s *Supervisor) Kademlia() *kademlia.Kademlia { return s.kad }

// Start launches maintenance, the bootstrap link (if configured), and the
// goroutines pumping bootstrap-relayed signals and discovered peers into
// the routing table.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.kad.Start(ctx)

	if s.bootstrap == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bootstrap.Run(ctx)
	}()

	s.wg.Add(1)
	go s.pumpBootstrapSignals(ctx)

	s.wg.Add(1)
	go s.pumpBootstrapInvitations(ctx)

	s.wg.Add(1)
	go s.discoverPeersOnceConnected(ctx)
}

func (s *Supervisor) pumpBootstrapSignals(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.bootstrap.Signals():
			if !ok {
				return
			}
			s.kad.HandleBootstrapSignal(frame)
		}
	}
}

func (s *Supervisor) pumpBootstrapInvitations(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-s.bootstrap.Invitations():
			if !ok {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function":   "pumpBootstrapInvitations",
				"package":    "meshdht",
				"frame_type": inv.FrameType,
			}).Info("received invitation relay, no listener orchestration configured")
		}
	}
}

// discoverPeersOnceConnected waits for bootstrap admission to complete,
// then seeds the routing table via get_peers_or_genesis (spec.md §4.8
// item 2).
func (s *Supervisor) discoverPeersOnceConnected(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.bootstrap.IsConnected() {
				continue
			}
			s.seedFromBootstrap(ctx)
			return
		}
	}
}

func (s *Supervisor) seedFromBootstrap(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	isGenesis, peers, err := s.bootstrap.GetPeersOrGenesis(reqCtx, s.cfg.BucketSize)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "seedFromBootstrap",
			"package":  "meshdht",
		}).WithError(err).Warn("get_peers_or_genesis failed")
		return
	}

	if isGenesis {
		logrus.WithFields(logrus.Fields{
			"function": "seedFromBootstrap",
			"package":  "meshdht",
		}).Info("this node is the first in the mesh")
		return
	}

	for _, p := range peers {
		if _, err := s.table.Insert(p.NodeID, p.Metadata); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "seedFromBootstrap",
				"package":  "meshdht",
				"peer_id":  p.NodeID.ToHex(),
			}).WithError(err).Debug("discovered peer rejected by routing table")
		}
	}
}

// Status returns a point-in-time snapshot for admin/diagnostic surfaces.
func (s *Supervisor) Status() Status {
	st := Status{
		NodeID:         s.id.NodeID().ToHex(),
		ConnectedPeers: s.kad.ConnectedPeerCount(),
		KnownPeers:     s.table.Len(),
		StoredKeys:     s.kad.StoredKeyCount(),
	}
	if s.bootstrap != nil {
		st.BootstrapConnected = s.bootstrap.IsConnected()
	}
	return st
}

// Close performs graceful shutdown (spec.md §5): stops maintenance,
// closes the bootstrap link, and closes every connection with reason
// ErrDestroyed.
func (s *Supervisor) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.kad.Stop()
	s.kad.CloseAllConnections(transport.ErrDestroyed)

	if s.bootstrap != nil {
		_ = s.bootstrap.Close()
	}

	s.wg.Wait()
	s.id.Destroy()
	return nil
}
