package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
)

type runnerRow struct {
	RunnerID                string    `db:"runner_id"`
	Hostname                string    `db:"hostname"`
	ProjectDir              string    `db:"project_dir"`
	ExecutorProfile         string    `db:"executor_profile"`
	Capabilities            string    `db:"capabilities"`
	RegisteredAt            time.Time `db:"registered_at"`
	LastHeartbeat           time.Time `db:"last_heartbeat"`
	MarkedForDeregistration bool      `db:"marked_for_deregistration"`
}

func (r runnerRow) toDomain() *domain.RunnerRegistration {
	return &domain.RunnerRegistration{
		RunnerID:                r.RunnerID,
		Hostname:                r.Hostname,
		ProjectDir:              r.ProjectDir,
		ExecutorProfile:         r.ExecutorProfile,
		Capabilities:            unmarshalCapabilities(r.Capabilities),
		RegisteredAt:            r.RegisteredAt,
		LastHeartbeat:           r.LastHeartbeat,
		MarkedForDeregistration: r.MarkedForDeregistration,
	}
}

// UpsertRunner inserts a new registration or refreshes an existing one
// with the same runner_id (spec.md §4.3's re-adoption-on-restart rule).
func (s *Store) UpsertRunner(ctx context.Context, reg *domain.RunnerRegistration) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO runners (runner_id, hostname, project_dir, executor_profile, capabilities,
			registered_at, last_heartbeat, marked_for_deregistration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (runner_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			last_heartbeat = excluded.last_heartbeat,
			marked_for_deregistration = 0
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		reg.RunnerID, reg.Hostname, reg.ProjectDir, reg.ExecutorProfile, marshalCapabilities(reg.Capabilities),
		reg.RegisteredAt, reg.LastHeartbeat, reg.MarkedForDeregistration)
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

// GetRunner fetches a runner registration by id.
func (s *Store) GetRunner(ctx context.Context, runnerID string) (*domain.RunnerRegistration, error) {
	var row runnerRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runners WHERE runner_id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, runnerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("runner %q not found", runnerID)
		}
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return row.toDomain(), nil
}

// ListRunners returns every known runner registration.
func (s *Store) ListRunners(ctx context.Context) ([]*domain.RunnerRegistration, error) {
	var rows []runnerRow
	query := `SELECT * FROM runners ORDER BY registered_at ASC`
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	out := make([]*domain.RunnerRegistration, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// Heartbeat refreshes last_heartbeat for a runner.
func (s *Store) Heartbeat(ctx context.Context, runnerID string, now time.Time) error {
	query := s.pool.Writer().Rebind(`UPDATE runners SET last_heartbeat = ? WHERE runner_id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, now, runnerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return requireRowsAffected(res, "runner", runnerID)
}

// MarkForDeregistration sets the external-deregister flag (spec.md §4.3);
// the runner picks this up on its next long-poll response.
func (s *Store) MarkForDeregistration(ctx context.Context, runnerID string) error {
	query := s.pool.Writer().Rebind(`UPDATE runners SET marked_for_deregistration = 1 WHERE runner_id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, runnerID)
	if err != nil {
		return fmt.Errorf("mark for deregistration: %w", err)
	}
	return requireRowsAffected(res, "runner", runnerID)
}

// DeleteRunner removes a runner registration; the registry calls it when a
// runner deregisters itself.
func (s *Store) DeleteRunner(ctx context.Context, runnerID string) error {
	query := s.pool.Writer().Rebind(`DELETE FROM runners WHERE runner_id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, runnerID)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}
