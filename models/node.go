package models

import "time"

// NodeID is a peer's network address (IPv4 or IPv6, no port).
type NodeID string

// String returns the raw address.
func (id NodeID) String() string {
	return string(id)
}

// NodeRecord is one entry in the peer registry.
type NodeRecord struct {
	ID          NodeID    `json:"id"`
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name"`
	SignalPort  int       `json:"signal_port"`
	LastSeen    time.Time `json:"last_seen"`
	Source      string    `json:"source"`
}

// Age reports how long ago the record was refreshed relative to now.
func (r NodeRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.LastSeen)
}
