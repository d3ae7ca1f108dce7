package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"lanphone/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer expires or says goodbye.
	EventPeerRemoved EventType = "peer_removed"
)

const (
	// SourceBroadcast marks records learned from UDP presence beacons.
	SourceBroadcast = "broadcast"
	// SourceMDNS marks records learned from mDNS browsing.
	SourceMDNS = "mdns"
)

// ErrEmptyNodeID is returned by Upsert for records without an address.
var ErrEmptyNodeID = errors.New("discovery: node id is required")

// EventType identifies registry updates.
type EventType string

// Event carries registry updates for UI and storage consumers.
type Event struct {
	Type EventType
	Peer models.NodeRecord
}

// Registry is the concurrent store of known peers. Entries older than the TTL
// are hidden from Snapshot and evicted by Prune.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	peers map[models.NodeID]models.NodeRecord

	events chan Event
}

// NewRegistry creates an empty registry. A ttl <= 0 disables expiry.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:    ttl,
		now:    time.Now,
		peers:  make(map[models.NodeID]models.NodeRecord),
		events: make(chan Event, 128),
	}
}

// TTL returns the configured freshness window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Events provides asynchronous registry updates. Slow consumers miss events.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Upsert inserts or replaces the entry keyed by rec.ID.
func (r *Registry) Upsert(rec models.NodeRecord) error {
	rec.ID = models.NodeID(strings.TrimSpace(string(rec.ID)))
	if rec.ID == "" {
		return ErrEmptyNodeID
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = r.now()
	}

	r.mu.Lock()
	old, existed := r.peers[rec.ID]
	visible := existed && r.fresh(old, r.now())
	r.peers[rec.ID] = rec
	r.mu.Unlock()

	if !visible || !recordsEqual(old, rec) {
		r.emit(Event{Type: EventPeerUpserted, Peer: rec})
	}
	return nil
}

// Get returns the entry for id when it exists and has not expired.
func (r *Registry) Get(id models.NodeID) (models.NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok || !r.fresh(rec, r.now()) {
		return models.NodeRecord{}, false
	}
	return rec, true
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id models.NodeID) bool {
	r.mu.Lock()
	rec, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()

	if ok {
		r.emit(Event{Type: EventPeerRemoved, Peer: rec})
	}
	return ok
}

// Len returns the number of stored entries, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot returns a copy of the fresh entries ordered by display name, then id.
func (r *Registry) Snapshot() []models.NodeRecord {
	r.mu.Lock()
	now := r.now()
	out := make([]models.NodeRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		if r.fresh(rec, now) {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Prune evicts expired entries and returns how many were removed.
func (r *Registry) Prune() int {
	if r.ttl <= 0 {
		return 0
	}

	r.mu.Lock()
	now := r.now()
	var expired []models.NodeRecord
	for id, rec := range r.peers {
		if !r.fresh(rec, now) {
			expired = append(expired, rec)
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		r.emit(Event{Type: EventPeerRemoved, Peer: rec})
	}
	return len(expired)
}

// RunPruner calls Prune every interval until ctx is done.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.ttl / 2
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Prune()
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Registry) fresh(rec models.NodeRecord, now time.Time) bool {
	return r.ttl <= 0 || rec.Age(now) <= r.ttl
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

func recordsEqual(a, b models.NodeRecord) bool {
	return a.ID == b.ID &&
		a.DeviceID == b.DeviceID &&
		a.DisplayName == b.DisplayName &&
		a.SignalPort == b.SignalPort &&
		a.Source == b.Source
}
