package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lanphone/models"
)

// DefaultCallListLimit caps ListCalls when no limit is given.
const DefaultCallListLimit = 50

// InsertCall records the start of a call. Outcome and end time stay empty
// until FinishCall.
func (s *Store) InsertCall(rec models.CallRecord) error {
	if strings.TrimSpace(rec.CallID) == "" {
		return errors.New("call_id is required")
	}
	if rec.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(rec.Direction); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO calls (
			call_id,
			peer_id,
			peer_name,
			direction,
			outcome,
			started_at,
			answered_at,
			ended_at
		) VALUES (?, ?, ?, ?, '', ?, ?, NULL)`,
		rec.CallID,
		string(rec.PeerID),
		rec.PeerName,
		rec.Direction,
		millis(rec.StartedAt),
		nullMillis(rec.AnsweredAt),
	)
	if err != nil {
		return fmt.Errorf("insert call %q: %w", rec.CallID, err)
	}

	return nil
}

// FinishCall stores the outcome, answer time, and end time of a call
// previously passed to InsertCall.
func (s *Store) FinishCall(rec models.CallRecord) error {
	if strings.TrimSpace(rec.CallID) == "" {
		return errors.New("call_id is required")
	}
	if err := validateOutcome(rec.Outcome); err != nil {
		return err
	}
	ended := rec.EndedAt
	if ended == nil {
		now := time.Now()
		ended = &now
	}

	res, err := s.db.Exec(
		`UPDATE calls
		SET outcome = ?,
		    answered_at = COALESCE(?, answered_at),
		    ended_at = ?
		WHERE call_id = ?`,
		rec.Outcome,
		nullMillis(rec.AnsweredAt),
		nullMillis(ended),
		rec.CallID,
	)
	if err != nil {
		return fmt.Errorf("finish call %q: %w", rec.CallID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for finish call %q: %w", rec.CallID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListCalls returns up to limit calls, newest first.
func (s *Store) ListCalls(limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = DefaultCallListLimit
	}

	rows, err := s.db.Query(
		`SELECT
			call_id,
			peer_id,
			peer_name,
			direction,
			outcome,
			started_at,
			answered_at,
			ended_at
		FROM calls
		ORDER BY started_at DESC, call_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	calls := make([]models.CallRecord, 0)
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		calls = append(calls, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}

	return calls, nil
}

// PruneCalls removes calls started before cutoff.
func (s *Store) PruneCalls(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM calls WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for call prune: %w", err)
	}

	return rowsAffected, nil
}

func scanCall(row scanner) (*models.CallRecord, error) {
	var (
		rec       models.CallRecord
		peerID    string
		startedAt int64
		answered  sql.NullInt64
		ended     sql.NullInt64
	)
	if err := row.Scan(
		&rec.CallID,
		&peerID,
		&rec.PeerName,
		&rec.Direction,
		&rec.Outcome,
		&startedAt,
		&answered,
		&ended,
	); err != nil {
		return nil, err
	}

	rec.PeerID = models.NodeID(peerID)
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.AnsweredAt = timePtr(answered)
	rec.EndedAt = timePtr(ended)
	return &rec, nil
}
