// Package session implements the single-session call manager: at most one
// outbound or inbound call per node, negotiated over signaling and carried
// by a media transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"lanphone/logging"
	"lanphone/media"
	"lanphone/models"
	"lanphone/network"
)

// DefaultRingTimeout bounds the wait for an answer to an outbound invite.
const DefaultRingTimeout = 15 * time.Second

var (
	// ErrBusy is returned by Start when a session is already in progress.
	ErrBusy = errors.New("session: busy")
	// ErrUnknownPeer is returned by Start when the peer is not in the registry.
	ErrUnknownPeer = errors.New("session: unknown peer")
	// ErrCanceled is returned by Start when Stop or ctx cancel it.
	ErrCanceled = errors.New("session: start canceled")
	// ErrRejected is returned by Start when the callee rejects the invite.
	ErrRejected = network.ErrRejected
	// ErrRingTimeout is returned by Start when the callee does not answer in time.
	ErrRingTimeout = network.ErrRingTimeout
)

// PeerResolver looks up a currently visible peer.
type PeerResolver interface {
	Get(id models.NodeID) (models.NodeRecord, bool)
}

// Call is the signaling link of an established call.
type Call interface {
	ID() string
	RemoteMediaPort() int
	Done() <-chan struct{}
	Err() error
	Hangup() error
}

// DialFunc sends an invite to address and waits for the answer.
type DialFunc func(ctx context.Context, address string, invite network.Invite) (Call, error)

// Invitation is an inbound invite awaiting an answer.
type Invitation interface {
	Invite() network.Invite
	RemoteIP() string
	Accept(mediaPort int) (Call, error)
	Reject(reason string) error
}

// Cue plays the start and end cues of a call.
type Cue interface {
	CallStarted(peer models.NodeID)
	CallEnded(peer models.NodeID)
}

// Recorder persists call history.
type Recorder interface {
	CallStarted(rec models.CallRecord)
	CallEnded(rec models.CallRecord)
}

// Options configures a Manager.
type Options struct {
	DeviceID string
	// Name returns the display name put in outbound invites.
	Name func() string

	Peers      PeerResolver
	Dial       DialFunc
	Transports media.Factory
	// MediaPort is the local UDP port bound for each call; 0 picks a free port.
	MediaPort   int
	RingTimeout time.Duration

	Cue      Cue
	Recorder Recorder
	Logger   log.Logger
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Name == nil {
		out.Name = func() string { return "" }
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = DefaultRingTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	out.Logger = logging.Component(out.Logger, "session")
	return out
}

func (o Options) validate() error {
	if o.Peers == nil {
		return errors.New("peer resolver is required")
	}
	if o.Dial == nil {
		return errors.New("dial function is required")
	}
	if o.Transports == nil {
		return errors.New("transport factory is required")
	}
	return nil
}

// Manager owns at most one call at a time. Its mutex guards only the state
// field and the current session pointer; network and transport work happens
// outside it.
type Manager struct {
	opts Options

	mu      sync.Mutex
	state   State
	current *session

	events chan Event
}

type session struct {
	id        string
	peer      models.NodeID
	peerName  string
	direction string
	startedAt time.Time

	cancel context.CancelFunc

	// Written by the owning goroutine before the transition that publishes them.
	transport media.Transport
	call      Call

	// Guarded by Manager.mu.
	answeredAt time.Time
	wasActive  bool

	releaseOnce sync.Once
	finishOnce  sync.Once
	done        chan struct{}
}

// NewManager creates an idle manager.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		opts:   opts,
		state:  Idle,
		events: make(chan Event, 32),
	}, nil
}

// Events returns state change notifications. Sends never block; a slow
// reader misses events rather than stalling calls.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the session in progress, if any.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Info{}, false
	}
	return m.infoLocked(m.current), true
}

// Start calls peerID. It returns once the call is Active or has failed; on
// failure every partially created resource is released and the manager is
// back in Idle.
func (m *Manager) Start(ctx context.Context, peerID models.NodeID) error {
	if m.State() != Idle {
		return ErrBusy
	}
	peer, ok := m.opts.Peers.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := m.newSession(uuid.NewString(), peer.ID, peer.DisplayName, models.CallOutbound)
	s.cancel = cancel
	if !m.claim(s) {
		return ErrBusy
	}
	level.Info(m.opts.Logger).Log("msg", "calling", "peer", peer.ID, "name", peer.DisplayName, "call_id", s.id)

	transport, err := m.opts.Transports(m.opts.MediaPort)
	if err != nil {
		return m.fail(s, models.CallFailed, fmt.Errorf("open media transport: %w", err))
	}
	s.transport = transport

	if !m.advance(s, Connecting, Ringing) {
		return m.canceled(s)
	}

	address := net.JoinHostPort(string(peer.ID), strconv.Itoa(peer.SignalPort))
	invite := network.NewInvite(s.id, m.opts.DeviceID, m.opts.Name(), transport.LocalPort())

	dialCtx, dialCancel := context.WithTimeout(startCtx, m.opts.RingTimeout)
	call, err := m.opts.Dial(dialCtx, address, invite)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	dialCancel()
	if err != nil {
		switch {
		case m.stopping(s) || startCtx.Err() != nil:
			return m.canceled(s)
		case errors.Is(err, ErrRejected):
			return m.fail(s, models.CallRejected, err)
		case errors.Is(err, ErrRingTimeout) || timedOut:
			return m.fail(s, models.CallMissed, ErrRingTimeout)
		default:
			return m.fail(s, models.CallFailed, fmt.Errorf("dial %s: %w", address, err))
		}
	}
	s.call = call

	if !network.ValidMediaPort(call.RemoteMediaPort()) {
		return m.fail(s, models.CallFailed, fmt.Errorf("%w: %s answered with %d", network.ErrInvalidMediaPort, peer.ID, call.RemoteMediaPort()))
	}
	remote := &net.UDPAddr{IP: net.ParseIP(string(peer.ID)), Port: call.RemoteMediaPort()}
	if err := transport.Start(remote); err != nil {
		return m.fail(s, models.CallFailed, fmt.Errorf("start media: %w", err))
	}

	if !m.advance(s, Ringing, Active) {
		return m.canceled(s)
	}
	m.activated(s)
	return nil
}

// Stop ends the current session. From Connecting or Ringing it cancels the
// pending Start; from Active it hangs up. It returns once the manager is Idle
// again. In Idle it does nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.current
	state := m.state
	if s == nil {
		m.mu.Unlock()
		return
	}
	if state != Ending {
		m.state = Ending
	}
	m.mu.Unlock()

	switch state {
	case Connecting, Ringing:
		m.emit(Ending, s, nil)
		// The Start goroutine owns teardown and closes s.done.
		s.cancel()
	case Active:
		m.emit(Ending, s, nil)
		m.finish(s, models.CallCompleted, nil)
	}
	<-s.done
}

// HandleInvite answers an inbound invite from the signaling server.
func (m *Manager) HandleInvite(in *network.Incoming) {
	m.Answer(incoming{in})
}

// Answer accepts inv when Idle and rejects it as busy otherwise.
func (m *Manager) Answer(inv Invitation) {
	invite := inv.Invite()
	peerID := models.NodeID(inv.RemoteIP())
	callID := invite.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	s := m.newSession(callID, peerID, invite.FromName, models.CallInbound)
	s.cancel = func() {}

	if !network.ValidMediaPort(invite.MediaPort) {
		_ = inv.Reject(network.ReasonDeclined)
		return
	}

	if !m.claim(s) {
		level.Info(m.opts.Logger).Log("msg", "rejecting invite, busy", "peer", peerID, "call_id", callID)
		if err := inv.Reject(network.ReasonBusy); err != nil {
			level.Debug(m.opts.Logger).Log("msg", "reject failed", "err", err)
		}
		m.recordMissed(s)
		return
	}
	level.Info(m.opts.Logger).Log("msg", "incoming call", "peer", peerID, "name", invite.FromName, "call_id", callID)

	transport, err := m.opts.Transports(m.opts.MediaPort)
	if err != nil {
		_ = inv.Reject(network.ReasonDeclined)
		_ = m.fail(s, models.CallFailed, fmt.Errorf("open media transport: %w", err))
		return
	}
	s.transport = transport

	call, err := inv.Accept(transport.LocalPort())
	if err != nil {
		_ = m.fail(s, models.CallFailed, fmt.Errorf("accept invite: %w", err))
		return
	}
	s.call = call

	remote := &net.UDPAddr{IP: net.ParseIP(string(peerID)), Port: invite.MediaPort}
	if err := transport.Start(remote); err != nil {
		_ = m.fail(s, models.CallFailed, fmt.Errorf("start media: %w", err))
		return
	}

	if !m.advance(s, Connecting, Active) {
		_ = m.canceled(s)
		return
	}
	m.activated(s)
}

func (m *Manager) newSession(id string, peer models.NodeID, name, direction string) *session {
	return &session{
		id:        id,
		peer:      peer,
		peerName:  name,
		direction: direction,
		startedAt: m.opts.Now(),
		done:      make(chan struct{}),
	}
}

// claim moves Idle -> Connecting for s, or reports busy.
func (m *Manager) claim(s *session) bool {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return false
	}
	m.state = Connecting
	m.current = s
	m.mu.Unlock()

	m.emit(Connecting, s, nil)
	if m.opts.Recorder != nil {
		m.opts.Recorder.CallStarted(m.record(s, ""))
	}
	return true
}

// advance performs from -> to if s is still current and in from.
func (m *Manager) advance(s *session, from, to State) bool {
	m.mu.Lock()
	if m.current != s || m.state != from || !canTransition(from, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	if to == Active {
		s.answeredAt = m.opts.Now()
		s.wasActive = true
	}
	m.mu.Unlock()

	m.emit(to, s, nil)
	return true
}

func (m *Manager) stopping(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s && m.state == Ending
}

func (m *Manager) activated(s *session) {
	level.Info(m.opts.Logger).Log("msg", "call active", "peer", s.peer, "call_id", s.id)
	if m.opts.Cue != nil {
		m.opts.Cue.CallStarted(s.peer)
	}
	go m.watch(s)
}

// watch tears the session down when the peer hangs up or the link drops.
func (m *Manager) watch(s *session) {
	select {
	case <-s.call.Done():
	case <-s.done:
		return
	}

	m.mu.Lock()
	if m.current != s || m.state != Active {
		m.mu.Unlock()
		return
	}
	m.state = Ending
	m.mu.Unlock()
	m.emit(Ending, s, nil)

	err := s.call.Err()
	if errors.Is(err, network.ErrRemoteHangup) {
		err = nil
		level.Info(m.opts.Logger).Log("msg", "peer hung up", "peer", s.peer, "call_id", s.id)
	} else if err != nil {
		level.Warn(m.opts.Logger).Log("msg", "call link lost", "peer", s.peer, "call_id", s.id, "err", err)
	}
	m.finish(s, models.CallCompleted, err)
}

func (m *Manager) canceled(s *session) error {
	m.finish(s, models.CallCanceled, ErrCanceled)
	return ErrCanceled
}

func (m *Manager) fail(s *session, outcome string, err error) error {
	level.Warn(m.opts.Logger).Log("msg", "call failed", "peer", s.peer, "call_id", s.id, "err", err)
	m.finish(s, outcome, err)
	return err
}

// release closes the call and the transport exactly once.
func (s *session) release() {
	s.releaseOnce.Do(func() {
		if s.call != nil {
			_ = s.call.Hangup()
		}
		if s.transport != nil {
			_ = s.transport.Close()
		}
	})
}

// finish releases s and returns the manager to Idle.
func (m *Manager) finish(s *session, outcome string, err error) {
	s.finishOnce.Do(func() {
		s.release()

		m.mu.Lock()
		if m.current == s {
			m.state = Idle
			m.current = nil
		}
		wasActive := s.wasActive
		rec := m.record(s, outcome)
		m.mu.Unlock()

		m.emit(Idle, s, err)
		if m.opts.Recorder != nil {
			m.opts.Recorder.CallEnded(rec)
		}
		if wasActive && m.opts.Cue != nil {
			m.opts.Cue.CallEnded(s.peer)
		}
		close(s.done)
	})
}

func (m *Manager) recordMissed(s *session) {
	if m.opts.Recorder == nil {
		return
	}
	m.opts.Recorder.CallStarted(m.record(s, ""))
	m.opts.Recorder.CallEnded(m.record(s, models.CallMissed))
}

func (m *Manager) record(s *session, outcome string) models.CallRecord {
	rec := models.CallRecord{
		CallID:    s.id,
		PeerID:    s.peer,
		PeerName:  s.peerName,
		Direction: s.direction,
		Outcome:   outcome,
		StartedAt: s.startedAt,
	}
	if !s.answeredAt.IsZero() {
		answered := s.answeredAt
		rec.AnsweredAt = &answered
	}
	if outcome != "" {
		ended := m.opts.Now()
		rec.EndedAt = &ended
	}
	return rec
}

func (m *Manager) infoLocked(s *session) Info {
	return Info{
		ID:        s.id,
		Peer:      s.peer,
		PeerName:  s.peerName,
		Direction: s.direction,
		State:     m.state,
		StartedAt: s.startedAt,
	}
}

func (m *Manager) emit(state State, s *session, err error) {
	info := Info{
		ID:        s.id,
		Peer:      s.peer,
		PeerName:  s.peerName,
		Direction: s.direction,
		State:     state,
		StartedAt: s.startedAt,
	}
	select {
	case m.events <- Event{State: state, Session: info, Err: err}:
	default:
	}
}

type incoming struct {
	in *network.Incoming
}

func (i incoming) Invite() network.Invite {
	return i.in.Invite
}

func (i incoming) RemoteIP() string {
	return i.in.RemoteIP()
}

func (i incoming) Accept(mediaPort int) (Call, error) {
	call, err := i.in.Accept(mediaPort)
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (i incoming) Reject(reason string) error {
	return i.in.Reject(reason)
}

// NetworkDialer adapts network.Dial to a DialFunc.
func NetworkDialer(options network.DialOptions) DialFunc {
	return func(ctx context.Context, address string, invite network.Invite) (Call, error) {
		call, err := network.Dial(ctx, address, invite, options)
		if err != nil {
			return nil, err
		}
		return call, nil
	}
}
