package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanphone/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Peer is the SQLite representation of a node that has been seen on the LAN.
type Peer struct {
	NodeID      string
	DeviceID    string
	DisplayName string
	SignalPort  int
	Source      string
	FirstSeen   int64
	LastSeen    int64
}

// Record converts p to the registry representation.
func (p Peer) Record() models.NodeRecord {
	return models.NodeRecord{
		ID:          models.NodeID(p.NodeID),
		DeviceID:    p.DeviceID,
		DisplayName: p.DisplayName,
		SignalPort:  p.SignalPort,
		LastSeen:    time.UnixMilli(p.LastSeen),
		Source:      p.Source,
	}
}

func validateDirection(direction string) error {
	switch direction {
	case models.CallOutbound, models.CallInbound:
		return nil
	default:
		return fmt.Errorf("invalid call direction %q", direction)
	}
}

func validateOutcome(outcome string) error {
	switch outcome {
	case models.CallCompleted, models.CallRejected, models.CallFailed, models.CallCanceled, models.CallMissed:
		return nil
	default:
		return fmt.Errorf("invalid call outcome %q", outcome)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	v := time.UnixMilli(ni.Int64)
	return &v
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return nowUnixMilli()
	}
	return t.UnixMilli()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
