package discovery

import (
	"context"
	"time"

	"lanphone/models"
)

// DefaultPollInterval matches the one second list refresh of the desktop UI.
const DefaultPollInterval = time.Second

// SnapshotSource is the read-only view of the registry handed to presentation code.
type SnapshotSource interface {
	Snapshot() []models.NodeRecord
}

// Poller delivers registry snapshots at a fixed cadence. It never holds a
// reference into live registry state.
type Poller struct {
	source     SnapshotSource
	interval   time.Duration
	onSnapshot func([]models.NodeRecord)
}

// NewPoller creates a poller; interval <= 0 uses DefaultPollInterval.
func NewPoller(source SnapshotSource, interval time.Duration, onSnapshot func([]models.NodeRecord)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		source:     source,
		interval:   interval,
		onSnapshot: onSnapshot,
	}
}

// Run delivers one snapshot immediately and then one per interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.onSnapshot(p.source.Snapshot())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.onSnapshot(p.source.Snapshot())
		case <-ctx.Done():
			return nil
		}
	}
}
