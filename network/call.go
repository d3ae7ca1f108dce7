package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// CallOptions controls the signaling link of an established call.
type CallOptions struct {
	CallID          string
	RemoteMediaPort int
	// KeepAliveInterval is the idle time before a ping; the pong must arrive
	// within the same interval.
	KeepAliveInterval time.Duration
}

// Call is the signaling link of an accepted call. It stays open for the call
// duration and fires Done when either side hangs up or the link drops.
type Call struct {
	conn net.Conn

	callID          string
	remoteMediaPort int

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity      atomic.Int64
	keepAliveInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newCall(conn net.Conn, options CallOptions) *Call {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	c := &Call{
		conn:              conn,
		callID:            options.CallID,
		remoteMediaPort:   options.RemoteMediaPort,
		keepAliveInterval: interval,
		closed:            make(chan struct{}),
	}

	c.touchActivity()
	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

// ID returns the call identifier shared by both sides.
func (c *Call) ID() string {
	return c.callID
}

// RemoteMediaPort returns the UDP port the peer receives media on.
func (c *Call) RemoteMediaPort() int {
	return c.remoteMediaPort
}

// RemoteAddr returns the peer's signaling address.
func (c *Call) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the call's signaling link is gone.
func (c *Call) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the call ended: nil after a local Hangup, ErrRemoteHangup
// after a bye from the peer, or the link error.
func (c *Call) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Hangup sends bye and closes the link. Calling it again is a no-op.
func (c *Call) Hangup() error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := c.send(Bye{
		Type:      TypeBye,
		CallID:    c.callID,
		Timestamp: time.Now().UnixMilli(),
	})
	c.closeWithError(nil)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("send bye: %w", err)
	}
	return nil
}

func (c *Call) send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(c.conn, payload); err != nil {
		return err
	}
	c.touchActivity()
	return nil
}

func (c *Call) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(c.conn, c.keepAliveInterval)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(io.ErrUnexpectedEOF)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			_ = c.send(PingMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			c.ackPong()
		case TypeBye:
			c.closeWithError(ErrRemoteHangup)
			return
		}
	}
}

func (c *Call) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval || c.isWaitingPong() {
				continue
			}

			if err := c.send(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				c.closeWithError(fmt.Errorf("send ping: %w", err))
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveInterval))
		case <-c.closed:
			return
		}
	}
}

func (c *Call) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Call) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Call) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Call) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Call) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Call) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
