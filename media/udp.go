package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"lanphone/logging"
)

// UDPOptions configures UDP transports created by NewUDPFactory.
type UDPOptions struct {
	FrameInterval time.Duration
	Source        Source
	Sink          Sink
	Logger        log.Logger
}

func (o UDPOptions) withDefaults() UDPOptions {
	out := o
	if out.FrameInterval <= 0 {
		out.FrameInterval = DefaultFrameInterval
	}
	if out.Source == nil {
		out.Source = SilenceSource{}
	}
	if out.Sink == nil {
		out.Sink = DiscardSink{}
	}
	out.Logger = logging.Component(out.Logger, "media")
	return out
}

// NewUDPFactory returns a Factory producing UDPTransports.
func NewUDPFactory(options UDPOptions) Factory {
	opts := options.withDefaults()
	return func(localPort int) (Transport, error) {
		return ListenUDP(localPort, opts)
	}
}

// UDPTransport streams media frames over UDP to a single peer.
type UDPTransport struct {
	conn   *net.UDPConn
	opts   UDPOptions
	logger log.Logger

	mu      sync.Mutex
	started bool

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	framesLost     atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

// ListenUDP binds the receive socket on localPort.
func ListenUDP(localPort int, options UDPOptions) (*UDPTransport, error) {
	opts := options.withDefaults()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("bind media port %d: %w", localPort, err)
	}
	return &UDPTransport{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger,
		closed: make(chan struct{}),
	}, nil
}

// LocalPort returns the bound UDP port.
func (t *UDPTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start begins the send and receive loops.
func (t *UDPTransport) Start(remote *net.UDPAddr) error {
	if remote == nil {
		return errors.New("remote media address is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	t.wg.Add(2)
	go t.sendLoop(remote)
	go t.receiveLoop(remote)
	level.Info(t.logger).Log("msg", "media started", "local_port", t.LocalPort(), "remote", remote)
	return nil
}

// Close stops both loops and releases the socket.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closed)
		t.mu.Unlock()
		t.closeErr = t.conn.Close()
		t.wg.Wait()
		level.Info(t.logger).Log("msg", "media stopped", "sent", t.framesSent.Load(), "received", t.framesReceived.Load(), "lost", t.framesLost.Load())
	})
	return t.closeErr
}

// Stats returns a copy of the traffic counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		FramesSent:     t.framesSent.Load(),
		FramesReceived: t.framesReceived.Load(),
		FramesLost:     t.framesLost.Load(),
		BytesSent:      t.bytesSent.Load(),
		BytesReceived:  t.bytesReceived.Load(),
	}
}

func (t *UDPTransport) sendLoop(remote *net.UDPAddr) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.FrameInterval)
	defer ticker.Stop()

	start := time.Now()
	frame := make([]byte, MaxPacketSize-HeaderSize)
	packet := make([]byte, 0, MaxPacketSize)
	var seq uint32

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}

		n, err := t.opts.Source.ReadFrame(frame)
		if err != nil {
			level.Warn(t.logger).Log("msg", "media source failed", "err", err)
			return
		}

		packet = AppendPacket(packet[:0], Packet{
			Seq:       seq,
			Timestamp: uint64(time.Since(start).Milliseconds()),
			Payload:   frame[:n],
		})
		seq++

		if _, err := t.conn.WriteToUDP(packet, remote); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			level.Debug(t.logger).Log("msg", "media send failed", "err", err)
			continue
		}
		t.framesSent.Add(1)
		t.bytesSent.Add(uint64(n))
	}
}

func (t *UDPTransport) receiveLoop(remote *net.UDPAddr) {
	defer t.wg.Done()

	buf := make([]byte, MaxPacketSize)
	var (
		expected uint32
		haveSeq  bool
	)

	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			level.Debug(t.logger).Log("msg", "media read failed", "err", err)
			continue
		}
		if !from.IP.Equal(remote.IP) {
			continue
		}

		packet, err := DecodePacket(buf[:n])
		if err != nil {
			continue
		}

		if haveSeq && packet.Seq > expected {
			t.framesLost.Add(uint64(packet.Seq - expected))
		}
		if !haveSeq || packet.Seq >= expected {
			expected = packet.Seq + 1
			haveSeq = true
		}

		t.framesReceived.Add(1)
		t.bytesReceived.Add(uint64(len(packet.Payload)))
		if err := t.opts.Sink.WriteFrame(packet.Seq, packet.Timestamp, packet.Payload); err != nil {
			level.Debug(t.logger).Log("msg", "media sink failed", "err", err)
		}
	}
}
