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
	"lanphone/models"
)

// ReceiverConfig controls the presence listener.
type ReceiverConfig struct {
	// Address is the UDP bind address, ":<port>" to hear broadcasts on every interface.
	Address string
	// Self is this node's device ID; its own looped-back beacons are ignored.
	Self uuid.UUID
}

// Receiver decodes presence beacons and feeds them into a Registry.
type Receiver struct {
	conn     *net.UDPConn
	registry *Registry
	self     uuid.UUID
	logger   log.Logger
	now      func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// ListenReceiver binds the discovery socket. A bind failure is returned to the
// caller, which decides whether to run without peer visibility.
func ListenReceiver(cfg ReceiverConfig, registry *Registry, logger log.Logger) (*Receiver, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}

	addr, err := net.ResolveUDPAddr("udp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery address %q: %w", cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket %q: %w", cfg.Address, err)
	}

	return &Receiver{
		conn:     conn,
		registry: registry,
		self:     cfg.Self,
		logger:   logging.Component(logger, "receiver"),
		now:      time.Now,
		closed:   make(chan struct{}),
	}, nil
}

// Addr returns the bound local address.
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Run reads datagrams until ctx is cancelled or the socket fails. It returns
// nil on cancellation and the socket error otherwise.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = r.Close()
	})
	defer stop()

	level.Info(r.logger).Log("msg", "presence listener started", "addr", r.conn.LocalAddr())

	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.closed:
				level.Info(r.logger).Log("msg", "presence listener stopped")
				return nil
			default:
			}
			_ = r.Close()
			return fmt.Errorf("read discovery socket: %w", err)
		}
		r.handle(buf[:n], from)
	}
}

// Close closes the socket exactly once, unblocking Run.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

func (r *Receiver) handle(payload []byte, from *net.UDPAddr) {
	beacon, err := DecodeBeacon(payload)
	if err != nil {
		level.Debug(r.logger).Log("msg", "dropping datagram", "from", from, "err", err)
		return
	}
	if beacon.DeviceID == r.self {
		return
	}

	id := senderID(from)
	if id == "" {
		return
	}

	if beacon.Leaving {
		if r.registry.Remove(id) {
			level.Info(r.logger).Log("msg", "peer left", "peer", id, "name", beacon.Name)
		}
		return
	}

	_ = r.registry.Upsert(models.NodeRecord{
		ID:          id,
		DeviceID:    beacon.DeviceID.String(),
		DisplayName: beacon.Name,
		SignalPort:  beacon.SignalPort,
		LastSeen:    r.now(),
		Source:      SourceBroadcast,
	})
}

func senderID(from *net.UDPAddr) models.NodeID {
	if from == nil || from.IP == nil {
		return ""
	}
	if ip4 := from.IP.To4(); ip4 != nil {
		return models.NodeID(ip4.String())
	}
	return models.NodeID(from.IP.String())
}
