// Package node owns a running lanphone instance: storage, discovery, the
// signaling server and the session manager, started and stopped together.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lanphone/config"
	"lanphone/discovery"
	"lanphone/logging"
	"lanphone/media"
	"lanphone/models"
	"lanphone/network"
	"lanphone/session"
	"lanphone/storage"
)

// ErrNotStarted is returned by operations that need a running node.
var ErrNotStarted = errors.New("node: not started")

// DefaultPeerRefreshInterval is how often last-seen times of visible peers
// are written to storage.
const DefaultPeerRefreshInterval = 30 * time.Second

// Options configures a Node.
type Options struct {
	Config  *config.DeviceConfig
	DataDir string
	Logger  log.Logger

	// Source and Sink carry call audio; nil means silence out, discard in.
	Source media.Source
	Sink   media.Sink
	// Cue defaults to logging the start and end of calls.
	Cue session.Cue

	// SignalAddress overrides the configured signaling listen address.
	SignalAddress string
	// DiscoveryListenAddress and DiscoveryTargets override the beacon
	// socket and destinations.
	DiscoveryListenAddress string
	DiscoveryTargets       func(port int) []*net.UDPAddr

	// PeerRefreshInterval defaults to DefaultPeerRefreshInterval.
	PeerRefreshInterval time.Duration
}

// Node is one running phone.
type Node struct {
	opts     Options
	cfg      *config.DeviceConfig
	deviceID uuid.UUID
	logger   log.Logger

	store     *storage.Store
	sessions  *session.Manager
	server    *network.Server
	discovery atomic.Pointer[discovery.Service]

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// New validates options and builds the session manager. Nothing is bound
// until Start.
func New(options Options) (*Node, error) {
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if options.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	deviceID, err := uuid.Parse(options.Config.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", options.Config.DeviceID, err)
	}

	n := &Node{
		opts:     options,
		cfg:      options.Config,
		deviceID: deviceID,
		logger:   logging.Component(options.Logger, "node"),
	}
	return n, nil
}

// Start opens storage, binds the signaling server, then starts discovery
// announcing the server's actual port.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	store, dbPath, err := storage.Open(n.opts.DataDir)
	if err != nil {
		return err
	}
	n.store = store

	cue := n.opts.Cue
	if cue == nil {
		cue = logCue{logger: n.logger}
	}

	sessions, err := session.NewManager(session.Options{
		DeviceID: n.deviceID.String(),
		Name:     n.Name,
		Peers:    peerResolver{n: n},
		Dial: session.NetworkDialer(network.DialOptions{
			RingTimeout: n.cfg.RingTimeout(),
		}),
		Transports: media.NewUDPFactory(media.UDPOptions{
			Source: n.opts.Source,
			Sink:   n.opts.Sink,
			Logger: n.opts.Logger,
		}),
		MediaPort:   n.cfg.MediaPort,
		RingTimeout: n.cfg.RingTimeout(),
		Cue:         cue,
		Recorder:    &storeRecorder{store: store, logger: n.logger},
		Logger:      n.opts.Logger,
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	n.sessions = sessions

	signalAddress := n.opts.SignalAddress
	if signalAddress == "" {
		signalAddress = n.cfg.SignalListenAddress()
	}
	server, err := network.Listen(signalAddress, sessions, network.ServerOptions{Logger: n.opts.Logger})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("start signaling server: %w", err)
	}
	n.server = server

	svc, err := discovery.Start(ctx, discovery.Config{
		DeviceID:         n.deviceID,
		DeviceName:       n.cfg.DeviceName,
		SignalPort:       server.Port(),
		Port:             n.cfg.DiscoveryPort,
		AnnounceInterval: n.cfg.AnnounceInterval(),
		PeerTTL:          n.cfg.PeerTTL(),
		ListenAddress:    n.opts.DiscoveryListenAddress,
		Targets:          n.opts.DiscoveryTargets,
		MDNSEnabled:      n.cfg.MDNSEnabled,
	}, n.opts.Logger)
	if err != nil {
		_ = server.Close()
		_ = store.Close()
		return fmt.Errorf("start discovery: %w", err)
	}
	n.discovery.Store(svc)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return n.persistPeers(groupCtx, svc.Registry) })
	n.cancel = cancel
	n.group = group
	n.started = true

	level.Info(n.logger).Log(
		"msg", "node started",
		"device_id", n.deviceID,
		"name", n.cfg.DeviceName,
		"signal_port", server.Port(),
		"discovery_port", n.cfg.DiscoveryPort,
		"db", dbPath,
	)
	return nil
}

// Stop closes the signaling server, hangs up any call, then shuts discovery
// and storage down. Safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return nil
	}

	n.stopOnce.Do(func() {
		var errs []error
		// Close waits for in-flight invites, so no session can start after it.
		if err := n.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling server: %w", err))
		}
		n.sessions.Stop()

		if svc := n.discovery.Load(); svc != nil {
			if err := svc.Stop(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("stop discovery: %w", err))
			}
		}
		n.cancel()
		if err := n.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		n.stopErr = errors.Join(errs...)
		level.Info(n.logger).Log("msg", "node stopped")
	})
	return n.stopErr
}

// Name returns the display name currently announced.
func (n *Node) Name() string {
	if svc := n.discovery.Load(); svc != nil {
		return svc.Transmitter.Name()
	}
	return n.cfg.DeviceName
}

// SetName renames this node and re-announces immediately.
func (n *Node) SetName(name string) error {
	svc := n.discovery.Load()
	if svc == nil {
		return ErrNotStarted
	}
	return svc.SetName(name)
}

// Peers returns the currently visible peers.
func (n *Node) Peers() []models.NodeRecord {
	svc := n.discovery.Load()
	if svc == nil {
		return nil
	}
	return svc.Registry.Snapshot()
}

// Snapshot satisfies discovery.SnapshotSource.
func (n *Node) Snapshot() []models.NodeRecord {
	return n.Peers()
}

// Degraded reports why discovery cannot see peers, or nil.
func (n *Node) Degraded() error {
	if svc := n.discovery.Load(); svc != nil {
		return svc.Degraded()
	}
	return nil
}

// Sessions returns the session manager. Nil before Start.
func (n *Node) Sessions() *session.Manager {
	return n.sessions
}

// SignalPort returns the bound signaling port, or 0 before Start.
func (n *Node) SignalPort() int {
	if n.server == nil {
		return 0
	}
	return n.server.Port()
}

// Call starts a call to peer and returns once it is active or has failed.
func (n *Node) Call(ctx context.Context, peer models.NodeID) error {
	if n.sessions == nil {
		return ErrNotStarted
	}
	return n.sessions.Start(ctx, peer)
}

// Hangup ends the current call, if any.
func (n *Node) Hangup() {
	if n.sessions != nil {
		n.sessions.Stop()
	}
}

// History returns the most recent calls, newest first.
func (n *Node) History(limit int) ([]models.CallRecord, error) {
	if n.store == nil {
		return nil, ErrNotStarted
	}
	return n.store.ListCalls(limit)
}

// persistPeers writes registry upserts to storage as they happen and
// refreshes the last-seen time of every visible peer on a timer, until ctx
// is done.
func (n *Node) persistPeers(ctx context.Context, registry *discovery.Registry) error {
	interval := n.opts.PeerRefreshInterval
	if interval <= 0 {
		interval = DefaultPeerRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := registry.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if event.Type == discovery.EventPeerUpserted {
				n.persistPeer(event.Peer)
			}
		case <-ticker.C:
			for _, rec := range registry.Snapshot() {
				n.persistPeer(rec)
			}
		}
	}
}

func (n *Node) persistPeer(rec models.NodeRecord) {
	if err := n.store.UpsertPeer(rec); err != nil {
		level.Warn(n.logger).Log("msg", "persist peer failed", "peer", rec.ID, "err", err)
	}
}

// peerResolver defers to the discovery registry once it exists.
type peerResolver struct {
	n *Node
}

func (p peerResolver) Get(id models.NodeID) (models.NodeRecord, bool) {
	svc := p.n.discovery.Load()
	if svc == nil {
		return models.NodeRecord{}, false
	}
	return svc.Registry.Get(id)
}
