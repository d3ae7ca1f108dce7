package session

import (
	"slices"
	"time"

	"lanphone/models"
)

// State is the session manager's lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Ringing
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// edges lists every legal transition.
var edges = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Ringing, Active, Ending, Idle},
	Ringing:    {Active, Ending, Idle},
	Active:     {Ending},
	Ending:     {Idle},
}

func canTransition(from, to State) bool {
	return slices.Contains(edges[from], to)
}

// Info is a read-only view of the current session.
type Info struct {
	ID        string
	Peer      models.NodeID
	PeerName  string
	Direction string
	State     State
	StartedAt time.Time
}

// Event reports a state change. Err is set when a session ended abnormally.
type Event struct {
	State   State
	Session Info
	Err     error
}
