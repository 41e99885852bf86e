package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
)

type blueprintRow struct {
	Name                 string         `db:"name"`
	Description          string         `db:"description"`
	Type                 string         `db:"type"`
	SystemPrompt         string         `db:"system_prompt"`
	ParametersSchema     string         `db:"parameters_schema"`
	OutputSchema         string         `db:"output_schema"`
	MCPServers           string         `db:"mcp_servers"`
	CapabilitiesRequired string         `db:"capabilities_required"`
	Demands              string         `db:"demands"`
	Hooks                string         `db:"hooks"`
	Status               string         `db:"status"`
	Command              string         `db:"command"`
	RunnerOwned          bool           `db:"runner_owned"`
	OwnerRunnerID        sql.NullString `db:"owner_runner_id"`
}

func (r blueprintRow) toDomain() *domain.Blueprint {
	bp := &domain.Blueprint{
		Name:                 r.Name,
		Description:          r.Description,
		Type:                 domain.BlueprintType(r.Type),
		SystemPrompt:         r.SystemPrompt,
		ParametersSchema:     unmarshalJSON(r.ParametersSchema),
		OutputSchema:         unmarshalJSON(r.OutputSchema),
		MCPServers:           unmarshalJSON(r.MCPServers),
		CapabilitiesRequired: unmarshalStrings(r.CapabilitiesRequired),
		Demands:              unmarshalDemands(r.Demands),
		Hooks:                unmarshalJSON(r.Hooks),
		Status:               domain.BlueprintStatus(r.Status),
		Command:              r.Command,
		RunnerOwned:          r.RunnerOwned,
	}
	if r.OwnerRunnerID.Valid {
		bp.OwnerRunnerID = &r.OwnerRunnerID.String
	}
	return bp
}

// UpsertBlueprint creates or replaces a blueprint by name. Used both for
// API-authored blueprints and for runner-owned ones advertised when a
// runner registers (spec.md §4.1's hot-discovery rule).
func (s *Store) UpsertBlueprint(ctx context.Context, bp *domain.Blueprint) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO blueprints (name, description, type, system_prompt, parameters_schema,
			output_schema, mcp_servers, capabilities_required, demands, hooks, status,
			command, runner_owned, owner_runner_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description           = excluded.description,
			type                   = excluded.type,
			system_prompt          = excluded.system_prompt,
			parameters_schema      = excluded.parameters_schema,
			output_schema          = excluded.output_schema,
			mcp_servers            = excluded.mcp_servers,
			capabilities_required  = excluded.capabilities_required,
			demands                = excluded.demands,
			hooks                  = excluded.hooks,
			status                 = excluded.status,
			command                = excluded.command,
			runner_owned           = excluded.runner_owned,
			owner_runner_id        = excluded.owner_runner_id
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		bp.Name, bp.Description, string(bp.Type), bp.SystemPrompt, marshalJSON(bp.ParametersSchema),
		marshalJSON(bp.OutputSchema), marshalJSON(bp.MCPServers), marshalStrings(bp.CapabilitiesRequired),
		marshalDemands(bp.Demands), marshalJSON(bp.Hooks), string(bp.Status),
		bp.Command, bp.RunnerOwned, nullableString(bp.OwnerRunnerID))
	if err != nil {
		return fmt.Errorf("upsert blueprint: %w", err)
	}
	return nil
}

// GetBlueprint fetches a blueprint by name.
func (s *Store) GetBlueprint(ctx context.Context, name string) (*domain.Blueprint, error) {
	var row blueprintRow
	query := s.pool.Reader().Rebind(`SELECT * FROM blueprints WHERE name = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("blueprint %q not found", name)
		}
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	return row.toDomain(), nil
}

// ListBlueprints returns every known blueprint, by name.
func (s *Store) ListBlueprints(ctx context.Context) ([]*domain.Blueprint, error) {
	var rows []blueprintRow
	query := `SELECT * FROM blueprints ORDER BY name ASC`
	if err := s.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	out := make([]*domain.Blueprint, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// DeleteBlueprint removes a blueprint by name. Idempotent.
func (s *Store) DeleteBlueprint(ctx context.Context, name string) (alreadyAbsent bool, err error) {
	query := s.pool.Writer().Rebind(`DELETE FROM blueprints WHERE name = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, name)
	if err != nil {
		return false, fmt.Errorf("delete blueprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete blueprint rows affected: %w", err)
	}
	return n == 0, nil
}

// RemoveBlueprintsOwnedBy deletes every blueprint a given runner advertised,
// called when that runner deregisters (spec.md §4.1's ownership-withdrawal rule).
func (s *Store) RemoveBlueprintsOwnedBy(ctx context.Context, runnerID string) error {
	query := s.pool.Writer().Rebind(`DELETE FROM blueprints WHERE runner_owned = 1 AND owner_runner_id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, runnerID)
	if err != nil {
		return fmt.Errorf("remove blueprints owned by runner: %w", err)
	}
	return nil
}
