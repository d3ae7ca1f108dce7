// Package ui is the terminal front end: a live peer list, call and hang-up
// keys, and the current session state.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"lanphone/models"
	"lanphone/session"
)

// Backend is the running node as seen by the UI.
type Backend interface {
	Name() string
	Call(ctx context.Context, peer models.NodeID) error
	Hangup()
	Degraded() error
}

// PeersMsg delivers a fresh registry snapshot.
type PeersMsg []models.NodeRecord

type sessionEventMsg session.Event

type eventsClosedMsg struct{}

type callResultMsg struct {
	peer models.NodeID
	err  error
}

// Model is the root Bubble Tea model.
type Model struct {
	backend Backend
	events  <-chan session.Event
	ctx     context.Context
	cancel  context.CancelFunc

	keys   KeyMap
	help   help.Model
	width  int
	height int

	peers    []models.NodeRecord
	selected int

	state    session.State
	callPeer string
	status   string
	isError  bool

	now func() time.Time
}

// New creates the root model. events may be nil when no session feed exists.
func New(backend Backend, events <-chan session.Event) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		backend: backend,
		events:  events,
		ctx:     ctx,
		cancel:  cancel,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		state:   session.Idle,
		now:     time.Now,
	}
}

// Init starts listening for session events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan session.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return sessionEventMsg(event)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case PeersMsg:
		m.setPeers(msg)
		return m, nil

	case sessionEventMsg:
		m.state = msg.State
		if msg.State == session.Idle {
			m.callPeer = ""
		} else {
			m.callPeer = peerLabel(msg.Session.PeerName, msg.Session.Peer)
		}
		if msg.Err != nil {
			m.setStatus(msg.Err.Error(), true)
		} else if msg.State == session.Active {
			m.setStatus("in call with "+m.callPeer, false)
		}
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.events = nil
		return m, nil

	case callResultMsg:
		switch {
		case msg.err == nil:
		case errors.Is(msg.err, session.ErrBusy):
			m.setStatus("already in a call", true)
		case errors.Is(msg.err, session.ErrRejected):
			m.setStatus(fmt.Sprintf("%s declined the call", msg.peer), true)
		case errors.Is(msg.err, session.ErrRingTimeout):
			m.setStatus(fmt.Sprintf("%s did not answer", msg.peer), true)
		case errors.Is(msg.err, session.ErrCanceled):
			m.setStatus("call canceled", false)
		default:
			m.setStatus(msg.err.Error(), true)
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.peers) > 0 {
			m.selected = (m.selected + 1) % len(m.peers)
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.peers) > 0 {
			m.selected = (m.selected - 1 + len(m.peers)) % len(m.peers)
		}
		return m, nil

	case key.Matches(msg, m.keys.Call):
		peer, ok := m.selectedPeer()
		if !ok {
			return m, nil
		}
		m.setStatus("calling "+peerLabel(peer.DisplayName, peer.ID), false)
		backend, ctx, id := m.backend, m.ctx, peer.ID
		return m, func() tea.Msg {
			return callResultMsg{peer: id, err: backend.Call(ctx, id)}
		}

	case key.Matches(msg, m.keys.Hangup):
		backend := m.backend
		return m, func() tea.Msg {
			backend.Hangup()
			return nil
		}
	}

	return m, nil
}

// setPeers replaces the list, keeping the selection on the same peer.
func (m *Model) setPeers(peers []models.NodeRecord) {
	var current models.NodeID
	if p, ok := m.selectedPeer(); ok {
		current = p.ID
	}
	m.peers = peers
	m.selected = 0
	for i, p := range peers {
		if p.ID == current {
			m.selected = i
			break
		}
	}
}

func (m Model) selectedPeer() (models.NodeRecord, bool) {
	if m.selected < 0 || m.selected >= len(m.peers) {
		return models.NodeRecord{}, false
	}
	return m.peers[m.selected], true
}

func (m *Model) setStatus(text string, isError bool) {
	m.status = text
	m.isError = isError
}

// View renders the full TUI.
func (m Model) View() string {
	sections := []string{
		m.renderTitle(),
		m.renderPeers(),
		m.renderSession(),
	}
	if m.status != "" {
		style := styleDimmed
		if m.isError {
			style = styleError
		}
		sections = append(sections, style.Render(m.status))
	}
	sections = append(sections, m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTitle() string {
	title := styleTitle.Render("lanphone") + styleDimmed.Render("  "+m.backend.Name())
	if err := m.backend.Degraded(); err != nil {
		title += "\n" + styleWarning.Render("discovery unavailable: "+err.Error())
	}
	return title
}

func (m Model) renderPeers() string {
	lines := []string{styleHeader.Render(fmt.Sprintf("%-24s %-16s %s", "NAME", "ADDRESS", "SEEN"))}
	if len(m.peers) == 0 {
		lines = append(lines, styleDimmed.Render("  no peers on the network yet"))
	}
	now := m.now()
	for i, p := range m.peers {
		row := fmt.Sprintf("%-24s %-16s %s ago", truncate(p.DisplayName, 24), p.ID, p.Age(now).Round(time.Second))
		if i == m.selected {
			lines = append(lines, styleSelected.Render(row))
		} else {
			lines = append(lines, styleRow.Render(row))
		}
	}
	return styleBox.Render(strings.Join(lines, "\n"))
}

func (m Model) renderSession() string {
	name := m.state.String()
	badge := lipgloss.NewStyle().Foreground(stateColor(name)).Bold(true).Render(strings.ToUpper(name))
	if m.callPeer == "" {
		return "session: " + badge
	}
	return "session: " + badge + "  " + styleRow.Render(m.callPeer)
}

func peerLabel(name string, id models.NodeID) string {
	if name == "" {
		return id.String()
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

// truncate shortens s to at most n terminal cells.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "...")
}
