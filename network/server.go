package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"lanphone/logging"
)

// InviteHandler decides on an inbound invite. It must call Accept or Reject
// on the Incoming before returning; an unanswered invite is declined.
type InviteHandler interface {
	HandleInvite(in *Incoming)
}

// InviteHandlerFunc adapts a function to InviteHandler.
type InviteHandlerFunc func(in *Incoming)

// HandleInvite calls f(in).
func (f InviteHandlerFunc) HandleInvite(in *Incoming) {
	f(in)
}

// ServerOptions controls the signaling listener.
type ServerOptions struct {
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	Logger            log.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	out.Logger = logging.Component(out.Logger, "signaling")
	return out
}

// Incoming is an inbound invite awaiting an answer.
type Incoming struct {
	Invite     Invite
	RemoteAddr net.Addr

	conn     net.Conn
	options  ServerOptions
	mu       sync.Mutex
	answered bool
	accepted bool
}

// RemoteIP returns the caller's IP without port.
func (in *Incoming) RemoteIP() string {
	if tcp, ok := in.RemoteAddr.(*net.TCPAddr); ok {
		if ip4 := tcp.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(in.RemoteAddr.String())
	if err != nil {
		return in.RemoteAddr.String()
	}
	return host
}

// Accept answers the invite and returns the established call. mediaPort is
// the local UDP port the caller should send media to.
func (in *Incoming) Accept(mediaPort int) (*Call, error) {
	if err := in.claim(); err != nil {
		return nil, err
	}

	if err := writeMessage(in.conn, Accept{
		Type:      TypeAccept,
		CallID:    in.Invite.CallID,
		MediaPort: mediaPort,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("write accept: %w", err)
	}
	if err := in.conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear invite deadline: %w", err)
	}

	in.mu.Lock()
	in.accepted = true
	in.mu.Unlock()
	return newCall(in.conn, CallOptions{
		CallID:            in.Invite.CallID,
		RemoteMediaPort:   in.Invite.MediaPort,
		KeepAliveInterval: in.options.KeepAliveInterval,
	}), nil
}

// Reject answers the invite negatively.
func (in *Incoming) Reject(reason string) error {
	if err := in.claim(); err != nil {
		return err
	}
	if err := writeMessage(in.conn, Reject{
		Type:      TypeReject,
		CallID:    in.Invite.CallID,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("write reject: %w", err)
	}
	return nil
}

func (in *Incoming) claim() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.answered {
		return ErrAlreadyAnswered
	}
	in.answered = true
	return nil
}

// Server accepts inbound signaling connections and hands invites to a handler.
type Server struct {
	listener net.Listener
	handler  InviteHandler
	options  ServerOptions

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and invite accept loop.
func Listen(address string, handler InviteHandler, options ServerOptions) (*Server, error) {
	if handler == nil {
		return nil, errors.New("invite handler is required")
	}
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		handler:  handler,
		options:  opts,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	level.Info(opts.Logger).Log("msg", "signaling listener started", "addr", listener.Addr())
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close stops accepting and waits for in-flight invites.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set invite deadline: %w", err))
		_ = conn.Close()
		return
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read invite: %w", err))
		_ = conn.Close()
		return
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.reportError(err)
		_ = conn.Close()
		return
	}
	if msgType != TypeInvite {
		_ = writeMessage(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Expected %q, got %q", TypeInvite, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		_ = conn.Close()
		return
	}

	invite, err := decodeInto[Invite](payload, "invite")
	if err != nil {
		s.reportError(err)
		_ = conn.Close()
		return
	}
	if invite.ProtocolVersion != ProtocolVersion {
		_ = writeMessage(conn, makeVersionMismatchError(invite.ProtocolVersion))
		_ = conn.Close()
		return
	}

	in := &Incoming{
		Invite:     invite,
		RemoteAddr: conn.RemoteAddr(),
		conn:       conn,
		options:    s.options,
	}
	level.Debug(s.options.Logger).Log("msg", "invite received", "from", conn.RemoteAddr(), "call_id", invite.CallID, "name", invite.FromName)

	s.handler.HandleInvite(in)

	in.mu.Lock()
	answered, accepted := in.answered, in.accepted
	in.mu.Unlock()
	if !answered {
		_ = in.Reject(ReasonDeclined)
	}
	// Accepted connections belong to their Call from here on.
	if !accepted {
		_ = conn.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	level.Warn(s.options.Logger).Log("msg", "signaling error", "err", err)
}
