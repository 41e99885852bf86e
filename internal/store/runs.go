package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/db/dialect"
	"github.com/agentmesh/coordinator/internal/domain"
)

type runRow struct {
	RunID             string         `db:"run_id"`
	Type              string         `db:"type"`
	SessionID         string         `db:"session_id"`
	AgentName         string         `db:"agent_name"`
	Parameters        string         `db:"parameters"`
	Scope             string         `db:"scope"`
	ResolvedBlueprint string         `db:"resolved_blueprint"`
	Demands           string         `db:"demands"`
	ExecutionMode     string         `db:"execution_mode"`
	Status            string         `db:"status"`
	RunnerID          sql.NullString `db:"runner_id"`
	Error             sql.NullString `db:"error"`
	ParentSessionID   sql.NullString `db:"parent_session_id"`
	CreatedAt         time.Time      `db:"created_at"`
	ClaimedAt         sql.NullTime   `db:"claimed_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	TimeoutAt         sql.NullTime   `db:"timeout_at"`
}

func (r runRow) toDomain() *domain.Run {
	run := &domain.Run{
		RunID:             r.RunID,
		Type:              domain.RunType(r.Type),
		SessionID:         r.SessionID,
		AgentName:         r.AgentName,
		Parameters:        unmarshalJSON(r.Parameters),
		Scope:             unmarshalJSON(r.Scope),
		ResolvedBlueprint: unmarshalJSON(r.ResolvedBlueprint),
		Demands:           unmarshalDemands(r.Demands),
		ExecutionMode:     domain.ExecutionMode(r.ExecutionMode),
		Status:            domain.RunStatus(r.Status),
		CreatedAt:         r.CreatedAt,
	}
	if r.RunnerID.Valid {
		run.RunnerID = &r.RunnerID.String
	}
	if r.Error.Valid {
		run.Error = &r.Error.String
	}
	if r.ParentSessionID.Valid {
		run.ParentSessionID = &r.ParentSessionID.String
	}
	if r.ClaimedAt.Valid {
		run.ClaimedAt = &r.ClaimedAt.Time
	}
	if r.StartedAt.Valid {
		run.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = &r.CompletedAt.Time
	}
	if r.TimeoutAt.Valid {
		run.TimeoutAt = &r.TimeoutAt.Time
	}
	return run
}

// CreateRun persists a new, pending run.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO runs (run_id, type, session_id, agent_name, parameters, scope, resolved_blueprint,
			demands, execution_mode, status, runner_id, error, parent_session_id, created_at,
			claimed_at, started_at, completed_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		run.RunID, string(run.Type), run.SessionID, run.AgentName,
		marshalJSON(run.Parameters), marshalJSON(run.Scope), marshalJSON(run.ResolvedBlueprint),
		marshalDemands(run.Demands), string(run.ExecutionMode), string(run.Status),
		nullableString(run.RunnerID), nullableString(run.Error), nullableString(run.ParentSessionID),
		run.CreatedAt, nullableTime(run.ClaimedAt), nullableTime(run.StartedAt),
		nullableTime(run.CompletedAt), nullableTime(run.TimeoutAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var row runRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE run_id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, runID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("run %q not found", runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.toDomain(), nil
}

// ListPendingByCreatedAt returns pending runs oldest-first, supporting the
// FIFO scan spec.md §4.1 requires via the (status, created_at) index.
func (s *Store) ListPendingByCreatedAt(ctx context.Context) ([]*domain.Run, error) {
	var rows []runRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE status = ? ORDER BY created_at ASC`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, string(domain.RunPending)); err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	return toDomainRuns(rows), nil
}

// ClaimFirstMatching implements spec.md §4.4's claim_first_matching:
// in a single transaction, selects the oldest pending run whose demands
// are satisfied by the runner's capabilities and whose session has no
// sibling run already claimed/running/stopping (spec.md §5, §4.6: a
// session's runs execute strictly one at a time), flips it to claimed,
// and returns it. Returns (nil, nil) if no run matches. Concurrent
// callers racing for the same run never both succeed because the row
// lock taken by SELECT ... FOR UPDATE (Postgres) / the
// single-writer-connection serialization (SQLite) makes the
// read-then-update atomic.
func (s *Store) ClaimFirstMatching(ctx context.Context, runnerID string, caps domain.Capabilities, now time.Time) (*domain.Run, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `SELECT * FROM runs WHERE status = ?
		AND NOT EXISTS (
			SELECT 1 FROM runs r2 WHERE r2.session_id = runs.session_id
				AND r2.status IN (?, ?, ?)
		)
		ORDER BY created_at ASC`
	if dialect.IsPostgres(s.driver) {
		selectQuery += ` FOR UPDATE SKIP LOCKED`
	}
	selectQuery = tx.Rebind(selectQuery)

	var rows []runRow
	if err := tx.SelectContext(ctx, &rows, selectQuery,
		string(domain.RunPending), string(domain.RunClaimed), string(domain.RunRunning), string(domain.RunStopping)); err != nil {
		return nil, fmt.Errorf("scan pending runs: %w", err)
	}

	for _, row := range rows {
		run := row.toDomain()
		if !domain.CapabilitiesSatisfyDemands(caps, run.Demands) {
			continue
		}

		updateQuery := tx.Rebind(`UPDATE runs SET status = ?, runner_id = ?, claimed_at = ? WHERE run_id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, updateQuery, string(domain.RunClaimed), runnerID, now, run.RunID, string(domain.RunPending))
		if err != nil {
			return nil, fmt.Errorf("claim run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			// Lost a race with another claimer under a dialect without
			// row locking (SQLite serializes writers anyway, so this is
			// unreachable there); try the next candidate.
			continue
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim tx: %w", err)
		}

		run.Status = domain.RunClaimed
		run.RunnerID = &runnerID
		run.ClaimedAt = &now
		return run, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit empty claim tx: %w", err)
	}
	return nil, nil
}

// RunTransition describes a run status change for ApplyRunTransition,
// optionally setting the timestamp/runner/error fields relevant to it.
type RunTransition struct {
	Status      domain.RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	RunnerID    *string
}

// ApplyRunTransition updates a run's status and associated fields inside
// a single statement so a concurrent reader never observes a run whose
// status says "running" but whose started_at is still null.
func (s *Store) ApplyRunTransition(ctx context.Context, runID string, t RunTransition) error {
	query := s.pool.Writer().Rebind(`
		UPDATE runs SET status = ?,
			started_at   = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			error        = COALESCE(?, error),
			runner_id    = COALESCE(?, runner_id)
		WHERE run_id = ?
	`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		string(t.Status), nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
		nullableString(t.Error), nullableString(t.RunnerID), runID)
	if err != nil {
		return fmt.Errorf("apply run transition: %w", err)
	}
	return requireRowsAffected(res, "run", runID)
}

// ResetRunToPending clears claim state, used by the recovery sweep
// (spec.md §4.6) to re-dispatch a run whose runner died before starting.
func (s *Store) ResetRunToPending(ctx context.Context, runID string) error {
	query := s.pool.Writer().Rebind(`UPDATE runs SET status = ?, runner_id = NULL, claimed_at = NULL WHERE run_id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, string(domain.RunPending), runID)
	if err != nil {
		return fmt.Errorf("reset run to pending: %w", err)
	}
	return nil
}

// ListRecoverable returns every run whose status is claimed, running, or
// stopping — the crash-recovery query of spec.md §4.1.
func (s *Store) ListRecoverable(ctx context.Context) ([]*domain.Run, error) {
	var rows []runRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE status IN (?, ?, ?)`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query,
		string(domain.RunClaimed), string(domain.RunRunning), string(domain.RunStopping)); err != nil {
		return nil, fmt.Errorf("list recoverable runs: %w", err)
	}
	return toDomainRuns(rows), nil
}

// ListTimedOutPending returns pending runs whose timeout_at has elapsed,
// for the timeout sweeper (spec.md §4.4).
func (s *Store) ListTimedOutPending(ctx context.Context, now time.Time) ([]*domain.Run, error) {
	var rows []runRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at < ?`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, string(domain.RunPending), now); err != nil {
		return nil, fmt.Errorf("list timed out runs: %w", err)
	}
	return toDomainRuns(rows), nil
}

// ListBySession returns every run belonging to a session, oldest first —
// used to find the active run for a stop-by-session convenience call.
// The one-run-at-a-time rule per session is enforced in ClaimFirstMatching.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*domain.Run, error) {
	var rows []runRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE session_id = ? ORDER BY created_at ASC`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("list runs by session: %w", err)
	}
	return toDomainRuns(rows), nil
}

func toDomainRuns(rows []runRow) []*domain.Run {
	out := make([]*domain.Run, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
