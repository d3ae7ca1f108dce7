package models

import "time"

// Call directions.
const (
	CallOutbound = "outbound"
	CallInbound  = "inbound"
)

// Call outcomes.
const (
	CallCompleted = "completed"
	CallRejected  = "rejected"
	CallFailed    = "failed"
	CallCanceled  = "canceled"
	CallMissed    = "missed"
)

// CallRecord is one entry of the local call history.
type CallRecord struct {
	CallID     string     `json:"call_id"`
	PeerID     NodeID     `json:"peer_id"`
	PeerName   string     `json:"peer_name"`
	Direction  string     `json:"direction"`
	Outcome    string     `json:"outcome"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Duration returns the answered duration of the call, or zero when it never connected.
func (c CallRecord) Duration() time.Duration {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}
