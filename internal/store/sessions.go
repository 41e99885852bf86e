package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
)

type sessionRow struct {
	SessionID        string         `db:"session_id"`
	ParentSessionID  sql.NullString `db:"parent_session_id"`
	AgentName        string         `db:"agent_name"`
	Status           string         `db:"status"`
	ProjectDir       string         `db:"project_dir"`
	CreatedAt        time.Time      `db:"created_at"`
	ModifiedAt       time.Time      `db:"modified_at"`
	ExecutorIdentity sql.NullString `db:"executor_identity"`
	ExecutorProfile  string         `db:"executor_profile"`
	Hostname         string         `db:"hostname"`
}

func (r sessionRow) toDomain() *domain.Session {
	s := &domain.Session{
		SessionID:       r.SessionID,
		AgentName:       r.AgentName,
		Status:          domain.SessionStatus(r.Status),
		ProjectDir:      r.ProjectDir,
		CreatedAt:       r.CreatedAt,
		ModifiedAt:      r.ModifiedAt,
		ExecutorProfile: r.ExecutorProfile,
		Hostname:        r.Hostname,
	}
	if r.ParentSessionID.Valid {
		s.ParentSessionID = &r.ParentSessionID.String
	}
	if r.ExecutorIdentity.Valid {
		s.ExecutorIdentity = &r.ExecutorIdentity.String
	}
	return s
}

// CreateSession persists a new session in its initial status.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO sessions (session_id, parent_session_id, agent_name, status, project_dir,
			created_at, modified_at, executor_identity, executor_profile, hostname)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		sess.SessionID, nullableString(sess.ParentSessionID), sess.AgentName, string(sess.Status), sess.ProjectDir,
		sess.CreatedAt, sess.ModifiedAt, nullableString(sess.ExecutorIdentity), sess.ExecutorProfile, sess.Hostname)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var row sessionRow
	query := s.pool.Reader().Rebind(`SELECT * FROM sessions WHERE session_id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("session %q not found", sessionID)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toDomain(), nil
}

// ListSessions returns every session, most recently modified first.
func (s *Store) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	var rows []sessionRow
	query := `SELECT * FROM sessions ORDER BY modified_at DESC`
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*domain.Session, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// UpdateSessionStatus transitions a session's status and bumps modified_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, now time.Time) error {
	query := s.pool.Writer().Rebind(`UPDATE sessions SET status = ?, modified_at = ? WHERE session_id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, string(status), now, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRowsAffected(res, "session", sessionID)
}

// SetSessionExecutorIdentity records the executor identity once a run
// completes successfully (spec.md §3's Session invariant).
func (s *Store) SetSessionExecutorIdentity(ctx context.Context, sessionID, executorIdentity, hostname string, now time.Time) error {
	query := s.pool.Writer().Rebind(`UPDATE sessions SET executor_identity = ?, hostname = ?, modified_at = ? WHERE session_id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, executorIdentity, hostname, now, sessionID)
	if err != nil {
		return fmt.Errorf("set session executor identity: %w", err)
	}
	return nil
}

// DeleteSession cascades to the session's events and runs. Idempotent:
// deleting an absent session reports alreadyAbsent rather than erroring.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (alreadyAbsent bool, err error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return false, fmt.Errorf("check session exists: %w", err)
	}
	if exists == 0 {
		return true, nil
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM events WHERE session_id = ?`), sessionID); err != nil {
		return false, fmt.Errorf("cascade delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM runs WHERE session_id = ?`), sessionID); err != nil {
		return false, fmt.Errorf("cascade delete runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete session tx: %w", err)
	}
	return false, nil
}

func nullableString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func requireRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apierr.NotFound("%s %q not found", entity, id)
	}
	return nil
}
