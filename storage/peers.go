package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lanphone/models"
)

// UpsertPeer records a sighting of rec. The first sighting time is kept;
// every other column follows the latest record.
func (s *Store) UpsertPeer(rec models.NodeRecord) error {
	nodeID := strings.TrimSpace(string(rec.ID))
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	seen := millis(rec.LastSeen)

	_, err := s.db.Exec(
		`INSERT INTO peers (
			node_id,
			device_id,
			display_name,
			signal_port,
			source,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			device_id = excluded.device_id,
			display_name = excluded.display_name,
			signal_port = excluded.signal_port,
			source = excluded.source,
			last_seen = MAX(peers.last_seen, excluded.last_seen)`,
		nodeID,
		rec.DeviceID,
		rec.DisplayName,
		rec.SignalPort,
		rec.Source,
		seen,
		seen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", nodeID, err)
	}

	return nil
}

// GetPeer fetches a peer by node ID.
func (s *Store) GetPeer(nodeID models.NodeID) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			node_id,
			device_id,
			display_name,
			signal_port,
			source,
			first_seen,
			last_seen
		FROM peers
		WHERE node_id = ?`,
		string(nodeID),
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", nodeID, err)
	}

	return peer, nil
}

// ListPeers returns every peer ever seen, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			node_id,
			device_id,
			display_name,
			signal_port,
			source,
			first_seen,
			last_seen
		FROM peers
		ORDER BY last_seen DESC, node_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

func scanPeer(row scanner) (*Peer, error) {
	var peer Peer
	if err := row.Scan(
		&peer.NodeID,
		&peer.DeviceID,
		&peer.DisplayName,
		&peer.SignalPort,
		&peer.Source,
		&peer.FirstSeen,
		&peer.LastSeen,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
