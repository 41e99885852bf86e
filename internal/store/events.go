package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/coordinator/internal/domain"
)

type eventRow struct {
	EventID   string    `db:"event_id"`
	SessionID string    `db:"session_id"`
	Sequence  int64     `db:"sequence"`
	Kind      string    `db:"kind"`
	Timestamp time.Time `db:"timestamp"`
	Payload   string    `db:"payload"`
}

func (r eventRow) toDomain() *domain.Event {
	return &domain.Event{
		EventID:   r.EventID,
		SessionID: r.SessionID,
		Sequence:  r.Sequence,
		Kind:      domain.EventKind(r.Kind),
		Timestamp: r.Timestamp,
		Payload:   unmarshalJSON(r.Payload),
	}
}

// AppendEvent inserts an append-only event with the next monotonic
// per-session sequence number, computed inside the same transaction as
// the insert so concurrent appends to one session never collide.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, kind domain.EventKind, payload domain.JSONValue, eventID string, now time.Time) (*domain.Event, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int64
	query := tx.Rebind(`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE session_id = ?`)
	if err := tx.GetContext(ctx, &maxSeq, query, sessionID); err != nil {
		return nil, fmt.Errorf("compute next sequence: %w", err)
	}
	seq := maxSeq + 1

	insertQuery := tx.Rebind(`INSERT INTO events (event_id, session_id, sequence, kind, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insertQuery, eventID, sessionID, seq, string(kind), now, marshalJSON(payload)); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append event tx: %w", err)
	}

	return &domain.Event{
		EventID:   eventID,
		SessionID: sessionID,
		Sequence:  seq,
		Kind:      kind,
		Timestamp: now,
		Payload:   payload,
	}, nil
}

// ListEvents returns a session's events in insertion order.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error) {
	var rows []eventRow
	query := s.pool.Reader().Rebind(`SELECT * FROM events WHERE session_id = ? ORDER BY sequence ASC`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*domain.Event, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// LatestResultEvent returns the most recent "result" event for a session,
// or nil if none exists yet (spec.md §4.6's result-retrieval rule).
func (s *Store) LatestResultEvent(ctx context.Context, sessionID string) (*domain.Event, error) {
	var row eventRow
	query := s.pool.Reader().Rebind(`SELECT * FROM events WHERE session_id = ? AND kind = ? ORDER BY sequence DESC LIMIT 1`)
	err := s.pool.Reader().GetContext(ctx, &row, query, sessionID, string(domain.EventResult))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest result event: %w", err)
	}
	return row.toDomain(), nil
}
