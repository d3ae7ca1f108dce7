package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lanphone/logging"
)

const (
	// DefaultDiscoveryPort is the UDP port presence beacons are sent to.
	DefaultDiscoveryPort = 12347
	// DefaultAnnounceInterval is the re-announce period of the transmitter.
	DefaultAnnounceInterval = 2 * time.Second
)

// Config controls the discovery service.
type Config struct {
	DeviceID   uuid.UUID
	DeviceName string
	SignalPort int

	Port             int
	AnnounceInterval time.Duration
	// PeerTTL defaults to three announce intervals.
	PeerTTL time.Duration

	// ListenAddress overrides the receiver bind address ":<Port>".
	ListenAddress string
	Targets       func(port int) []*net.UDPAddr

	MDNSEnabled bool
	MDNS        MDNSConfig
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultDiscoveryPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.PeerTTL <= 0 {
		out.PeerTTL = 3 * out.AnnounceInterval
	}
	if out.ListenAddress == "" {
		out.ListenAddress = fmt.Sprintf(":%d", out.Port)
	}
	return out
}

func (c Config) validate() error {
	if c.DeviceID == uuid.Nil {
		return errors.New("device ID is required")
	}
	if c.SignalPort <= 0 {
		return errors.New("signal port must be > 0")
	}
	if _, err := NormalizeName(c.DeviceName); err != nil {
		return err
	}
	return nil
}

// Service runs presence discovery: receiver, transmitter, pruner and the
// optional mDNS mechanism, all feeding one Registry.
type Service struct {
	Registry    *Registry
	Transmitter *Transmitter

	logger   log.Logger
	degraded error

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// Start launches discovery. If the discovery socket cannot be bound the
// service still starts in degraded mode: the registry stays empty and
// Degraded reports the cause.
func Start(ctx context.Context, config Config, logger log.Logger) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	svcLogger := logging.Component(logger, "discovery")

	registry := NewRegistry(cfg.PeerTTL)

	tx, err := NewTransmitter(TransmitterConfig{
		Port:       cfg.Port,
		Interval:   cfg.AnnounceInterval,
		DeviceID:   cfg.DeviceID,
		Name:       cfg.DeviceName,
		SignalPort: cfg.SignalPort,
		Targets:    cfg.Targets,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("start transmitter: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	svc := &Service{
		Registry:    registry,
		Transmitter: tx,
		logger:      svcLogger,
		cancel:      cancel,
		group:       group,
	}

	receiver, err := ListenReceiver(ReceiverConfig{Address: cfg.ListenAddress, Self: cfg.DeviceID}, registry, logger)
	if err != nil {
		svc.degraded = err
		level.Warn(svcLogger).Log("msg", "discovery degraded, peers will not be visible", "err", err)
	} else {
		group.Go(func() error { return receiver.Run(groupCtx) })
	}

	group.Go(func() error { return tx.Run(groupCtx) })
	group.Go(func() error { return registry.RunPruner(groupCtx, 0) })

	if cfg.MDNSEnabled {
		mdnsCfg := cfg.MDNS
		mdnsCfg.DeviceID = cfg.DeviceID.String()
		mdnsCfg.DeviceName = tx.Name()
		mdnsCfg.SignalPort = cfg.SignalPort
		m, err := StartMDNS(mdnsCfg, registry, logger)
		if err != nil {
			level.Warn(svcLogger).Log("msg", "mDNS disabled", "err", err)
		} else {
			group.Go(func() error { return m.Run(groupCtx) })
		}
	}

	level.Info(svcLogger).Log("msg", "discovery started", "port", cfg.Port, "interval", cfg.AnnounceInterval, "ttl", cfg.PeerTTL)
	return svc, nil
}

// Degraded returns the receiver bind error, or nil when discovery is healthy.
func (s *Service) Degraded() error {
	return s.degraded
}

// SetName changes the announced display name and announces it right away.
func (s *Service) SetName(name string) error {
	if err := s.Transmitter.SetName(name); err != nil {
		return err
	}
	return s.Transmitter.Announce()
}

// Stop cancels every discovery task and waits for them. Safe to call more than once.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.stopErr = s.group.Wait()
		level.Info(s.logger).Log("msg", "discovery stopped")
	})
	return s.stopErr
}
