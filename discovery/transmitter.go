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

	"lanphone/logging"
)

// TransmitterConfig controls presence announcements.
type TransmitterConfig struct {
	Port       int
	Interval   time.Duration
	DeviceID   uuid.UUID
	Name       string
	SignalPort int

	// Targets resolves the destinations of one announce. Nil uses BroadcastTargets.
	Targets func(port int) []*net.UDPAddr
}

// Transmitter broadcasts this node's presence beacon.
type Transmitter struct {
	cfg    TransmitterConfig
	logger log.Logger
	conn   *net.UDPConn

	mu   sync.RWMutex
	name string

	closeOnce sync.Once
}

// NewTransmitter opens the send socket and validates the announced identity.
func NewTransmitter(cfg TransmitterConfig, logger log.Logger) (*Transmitter, error) {
	name, err := NormalizeName(cfg.Name)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID == uuid.Nil {
		return nil, errors.New("device ID is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("discovery port must be > 0")
	}
	if cfg.Targets == nil {
		cfg.Targets = BroadcastTargets
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open announce socket: %w", err)
	}

	return &Transmitter{
		cfg:    cfg,
		logger: logging.Component(logger, "transmitter"),
		conn:   conn,
		name:   name,
	}, nil
}

// Name returns the currently announced display name.
func (t *Transmitter) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// SetName changes the display name carried by the next announcement.
func (t *Transmitter) SetName(name string) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
	return nil
}

// Announce sends one presence beacon to every broadcast target. Delivery is
// not confirmed; the returned error only reports local send failures.
func (t *Transmitter) Announce() error {
	return t.send(false)
}

// Run announces immediately and then every interval until ctx is done, then
// sends a goodbye beacon and closes the socket.
func (t *Transmitter) Run(ctx context.Context) error {
	defer t.Close()

	interval := t.cfg.Interval
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	t.announceLogged()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.announceLogged()
		case <-ctx.Done():
			if err := t.send(true); err != nil {
				level.Debug(t.logger).Log("msg", "goodbye beacon failed", "err", err)
			}
			return nil
		}
	}
}

// Close releases the send socket. It is safe to call more than once.
func (t *Transmitter) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

func (t *Transmitter) announceLogged() {
	if err := t.Announce(); err != nil {
		level.Warn(t.logger).Log("msg", "presence announce failed", "err", err)
	}
}

func (t *Transmitter) send(leaving bool) error {
	payload, err := EncodeBeacon(Beacon{
		DeviceID:   t.cfg.DeviceID,
		Name:       t.Name(),
		SignalPort: t.cfg.SignalPort,
		Leaving:    leaving,
	})
	if err != nil {
		return err
	}

	var errs []error
	targets := t.cfg.Targets(t.cfg.Port)
	for _, target := range targets {
		if _, err := t.conn.WriteToUDP(payload, target); err != nil {
			errs = append(errs, fmt.Errorf("send beacon to %s: %w", target, err))
		}
	}
	// Fail only when no target accepted the datagram.
	if len(errs) == len(targets) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		level.Debug(t.logger).Log("msg", "beacon target unreachable", "err", err)
	}
	return nil
}
