package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
)

// persister is the subset of *store.Store a BlueprintStore needs. Kept as
// an interface so package blueprint never imports package store directly.
type persister interface {
	UpsertBlueprint(ctx context.Context, bp *domain.Blueprint) error
	ListBlueprints(ctx context.Context) ([]*domain.Blueprint, error)
	DeleteBlueprint(ctx context.Context, name string) (alreadyAbsent bool, err error)
	RemoveBlueprintsOwnedBy(ctx context.Context, runnerID string) error
}

// BlueprintStore is an in-memory read cache over durable blueprint storage
// (spec.md §4.1 assigns blueprint persistence to the Store component).
// Every mutation writes through to the backing persister before updating
// the cache, so a restart rehydrates from the same source of truth rather
// than losing API-authored or runner-contributed blueprints.
type BlueprintStore struct {
	mu         sync.RWMutex
	blueprints map[string]*domain.Blueprint
	db         persister
	log        *logger.Logger
}

// NewBlueprintStore creates a cache backed by db for durability.
func NewBlueprintStore(log *logger.Logger, db persister) *BlueprintStore {
	return &BlueprintStore{
		blueprints: make(map[string]*domain.Blueprint),
		db:         db,
		log:        log,
	}
}

// blueprintFile is the on-disk shape of one blueprint's metadata.json,
// one sub-directory per blueprint under AGENTS_DIR.
type blueprintFile struct {
	Description          string          `json:"description"`
	Type                 string          `json:"type"`
	ParametersSchema     json.RawMessage `json:"parameters_schema"`
	OutputSchema         json.RawMessage `json:"output_schema"`
	MCPServers           json.RawMessage `json:"mcp_servers"`
	CapabilitiesRequired []string        `json:"capabilities_required"`
	Demands              domain.Demands  `json:"demands"`
	Hooks                json.RawMessage `json:"hooks"`
	Command              string          `json:"command"`
}

// Hydrate loads the cache from durable storage, then merges in AGENTS_DIR
// file-defined blueprints (writing any new or changed ones through to
// storage). Called once at startup.
func (s *BlueprintStore) Hydrate(ctx context.Context, agentsDir string) error {
	rows, err := s.db.ListBlueprints(ctx)
	if err != nil {
		return fmt.Errorf("hydrate blueprints from store: %w", err)
	}
	s.mu.Lock()
	for _, bp := range rows {
		s.blueprints[bp.Name] = bp
	}
	s.mu.Unlock()

	return s.loadFromDir(ctx, agentsDir)
}

// loadFromDir performs the one-time startup scan of AGENTS_DIR: one
// sub-folder per blueprint, containing metadata.json and prompt.md.
func (s *BlueprintStore) loadFromDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agents dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		bp, err := loadOne(filepath.Join(dir, name), name)
		if err != nil {
			s.log.Warn("skipping unloadable blueprint", zap.String("name", name), zap.Error(err))
			continue
		}
		if err := s.db.UpsertBlueprint(ctx, bp); err != nil {
			s.log.Warn("failed to persist file-defined blueprint", zap.String("name", name), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.blueprints[name] = bp
		s.mu.Unlock()
	}
	return nil
}

func loadOne(path, name string) (*domain.Blueprint, error) {
	metaPath := filepath.Join(path, "metadata.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	var f blueprintFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	prompt := ""
	if p, err := os.ReadFile(filepath.Join(path, "prompt.md")); err == nil {
		prompt = string(p)
	}

	bp := &domain.Blueprint{
		Name:                 name,
		Description:          f.Description,
		Type:                 domain.BlueprintType(f.Type),
		SystemPrompt:         prompt,
		CapabilitiesRequired: f.CapabilitiesRequired,
		Demands:              f.Demands,
		Command:              f.Command,
		Status:               domain.BlueprintActive,
	}
	if len(f.ParametersSchema) > 0 {
		_ = json.Unmarshal(f.ParametersSchema, &bp.ParametersSchema)
	}
	if len(f.OutputSchema) > 0 {
		_ = json.Unmarshal(f.OutputSchema, &bp.OutputSchema)
	}
	if len(f.MCPServers) > 0 {
		_ = json.Unmarshal(f.MCPServers, &bp.MCPServers)
	}
	if len(f.Hooks) > 0 {
		_ = json.Unmarshal(f.Hooks, &bp.Hooks)
	}
	if bp.Type == "" {
		bp.Type = domain.BlueprintAutonomous
	}
	return bp, nil
}

// Get returns the named blueprint, or ErrNotFound.
func (s *BlueprintStore) Get(_ context.Context, name string) (*domain.Blueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bp, ok := s.blueprints[name]
	if !ok {
		return nil, apierr.NotFound("blueprint %q not found", name)
	}
	return bp, nil
}

// List returns every blueprint currently known.
func (s *BlueprintStore) List(_ context.Context) []*domain.Blueprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Blueprint, 0, len(s.blueprints))
	for _, bp := range s.blueprints {
		out = append(out, bp)
	}
	return out
}

// Create inserts a new blueprint via the API. Rejects a duplicate name and
// any attempt to shadow a runner-owned blueprint.
func (s *BlueprintStore) Create(ctx context.Context, bp *domain.Blueprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blueprints[bp.Name]; ok {
		if existing.RunnerOwned {
			return apierr.Conflict("blueprint %q is runner-owned and cannot be replaced via the API", bp.Name)
		}
		return apierr.Conflict("blueprint %q already exists", bp.Name)
	}
	if err := s.db.UpsertBlueprint(ctx, bp); err != nil {
		return fmt.Errorf("persist blueprint: %w", err)
	}
	s.blueprints[bp.Name] = bp
	return nil
}

// Update applies a partial update via the API. Runner-owned blueprints
// cannot be mutated this way (spec.md §4.5).
func (s *BlueprintStore) Update(ctx context.Context, name string, mutate func(*domain.Blueprint)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.blueprints[name]
	if !ok {
		return apierr.NotFound("blueprint %q not found", name)
	}
	if bp.RunnerOwned {
		return apierr.Conflict("blueprint %q is runner-owned and cannot be mutated via the API", name)
	}
	updated := *bp
	mutate(&updated)
	if err := s.db.UpsertBlueprint(ctx, &updated); err != nil {
		return fmt.Errorf("persist blueprint update: %w", err)
	}
	s.blueprints[name] = &updated
	return nil
}

// Delete removes a blueprint. Idempotent: deleting an absent blueprint is
// not an error (spec.md §7's not-found idempotent-delete rule).
func (s *BlueprintStore) Delete(ctx context.Context, name string) (alreadyAbsent bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blueprints[name]; !ok {
		return true, nil
	}
	absent, err := s.db.DeleteBlueprint(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete blueprint: %w", err)
	}
	delete(s.blueprints, name)
	return absent, nil
}

// UpsertRunnerOwned is called on runner registration for each blueprint it
// contributes (spec.md §4.3): inserted or refreshed, tied to runnerID, and
// hidden rather than deleted once the runner goes offline (handled by the
// caller's liveness filter over List, not here).
func (s *BlueprintStore) UpsertRunnerOwned(ctx context.Context, runnerID string, bp *domain.Blueprint) error {
	bp.RunnerOwned = true
	bp.OwnerRunnerID = &runnerID
	if err := s.db.UpsertBlueprint(ctx, bp); err != nil {
		return fmt.Errorf("persist runner-owned blueprint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blueprints[bp.Name] = bp
	return nil
}

// RemoveOwnedBy deletes every blueprint owned by a runner that has
// deregistered (spec.md §4.3's ownership-withdrawal rule).
func (s *BlueprintStore) RemoveOwnedBy(ctx context.Context, runnerID string) error {
	if err := s.db.RemoveBlueprintsOwnedBy(ctx, runnerID); err != nil {
		return fmt.Errorf("remove blueprints owned by runner: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, bp := range s.blueprints {
		if bp.RunnerOwned && bp.OwnerRunnerID != nil && *bp.OwnerRunnerID == runnerID {
			delete(s.blueprints, name)
		}
	}
	return nil
}
