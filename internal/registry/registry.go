// Package registry implements the Runner Registry (spec.md §4.3):
// register/heartbeat/deregister, liveness computation, and the per-runner
// stop-intent queue that the dispatch long-poll drains.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/broadcast"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
)

// runnerStore is the subset of *store.Store the registry needs.
type runnerStore interface {
	UpsertRunner(ctx context.Context, reg *domain.RunnerRegistration) error
	GetRunner(ctx context.Context, runnerID string) (*domain.RunnerRegistration, error)
	ListRunners(ctx context.Context) ([]*domain.RunnerRegistration, error)
	Heartbeat(ctx context.Context, runnerID string, now time.Time) error
	MarkForDeregistration(ctx context.Context, runnerID string) error
	DeleteRunner(ctx context.Context, runnerID string) error
}

// Registry tracks runner registrations and per-runner stop intents.
// Mutations for a given runner_id are serialized through a per-runner
// mutex (spec.md §4.3's concurrency requirement); listing only takes the
// Store's own read path and is safe under concurrent mutation.
type Registry struct {
	db   runnerStore
	log  *logger.Logger
	wake *broadcast.Broadcaster

	staleAfter   time.Duration
	offlineAfter time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	intentsMu sync.Mutex
	intents   map[string][]string // runner_id -> queued run_ids to stop
}

// New creates a Registry. wake is broadcast on any event a blocked
// get_work long-poll should react to (stop intent queued, runner marked
// for deregistration); the Run Queue broadcasts the same Broadcaster on
// enqueue, so dispatch only needs to watch one channel.
func New(db runnerStore, log *logger.Logger, wake *broadcast.Broadcaster, staleAfter, offlineAfter time.Duration) *Registry {
	return &Registry{
		db:           db,
		log:          log,
		wake:         wake,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		locks:        make(map[string]*sync.Mutex),
		intents:      make(map[string][]string),
	}
}

func (r *Registry) lockFor(runnerID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[runnerID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[runnerID] = l
	}
	return l
}

// DeriveRunnerID computes a deterministic id from a runner's declared
// identity so a restarting runner process re-adopts its prior
// registration instead of appearing as a new one (spec.md §4.3).
func DeriveRunnerID(hostname, projectDir, executorProfile string) string {
	sum := sha256.Sum256([]byte(hostname + "\x00" + projectDir + "\x00" + executorProfile))
	return "runner_" + hex.EncodeToString(sum[:])[:24]
}

// Register creates or refreshes a runner's registration. An existing
// registration with the same derived id is refreshed, never duplicated.
func (r *Registry) Register(ctx context.Context, hostname, projectDir, executorProfile string, caps domain.Capabilities) (*domain.RunnerRegistration, error) {
	runnerID := DeriveRunnerID(hostname, projectDir, executorProfile)
	lock := r.lockFor(runnerID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	registeredAt := now
	if existing, err := r.db.GetRunner(ctx, runnerID); err == nil {
		registeredAt = existing.RegisteredAt
	}

	reg := &domain.RunnerRegistration{
		RunnerID:        runnerID,
		Hostname:        hostname,
		ProjectDir:      projectDir,
		ExecutorProfile: executorProfile,
		Capabilities:    caps,
		RegisteredAt:    registeredAt,
		LastHeartbeat:   now,
	}
	if err := r.db.UpsertRunner(ctx, reg); err != nil {
		return nil, fmt.Errorf("register runner: %w", err)
	}
	r.log.Info("runner registered", zap.String("runner_id", runnerID), zap.String("hostname", hostname))
	return reg, nil
}

// Heartbeat refreshes last_heartbeat and reports whether the runner has
// been marked for external deregistration.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) (markedForDeregistration bool, err error) {
	lock := r.lockFor(runnerID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.db.Heartbeat(ctx, runnerID, time.Now()); err != nil {
		return false, err
	}
	reg, err := r.db.GetRunner(ctx, runnerID)
	if err != nil {
		return false, err
	}
	return reg.MarkedForDeregistration, nil
}

// Get fetches a runner's registration.
func (r *Registry) Get(ctx context.Context, runnerID string) (*domain.RunnerRegistration, error) {
	return r.db.GetRunner(ctx, runnerID)
}

// List returns every known runner registration.
func (r *Registry) List(ctx context.Context) ([]*domain.RunnerRegistration, error) {
	return r.db.ListRunners(ctx)
}

// Liveness derives a runner's liveness using the registry's configured thresholds.
func (r *Registry) Liveness(reg *domain.RunnerRegistration, now time.Time) domain.Liveness {
	return reg.Liveness(now, r.staleAfter, r.offlineAfter)
}

// IsClaimEligible reports whether a runner should be considered by the
// matcher: online or stale, never offline (spec.md §4.3).
func (r *Registry) IsClaimEligible(reg *domain.RunnerRegistration, now time.Time) bool {
	return r.Liveness(reg, now) != domain.LivenessOffline
}

// DeregisterSelf removes a runner's registration immediately. In-flight
// runs keep their runner_id for post-mortem; recovery on restart is
// handled by the Session Controller's sweep (spec.md §4.6), not here.
func (r *Registry) DeregisterSelf(ctx context.Context, runnerID string) error {
	lock := r.lockFor(runnerID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.db.DeleteRunner(ctx, runnerID); err != nil {
		return fmt.Errorf("deregister runner: %w", err)
	}
	r.intentsMu.Lock()
	delete(r.intents, runnerID)
	r.intentsMu.Unlock()
	r.log.Info("runner deregistered", zap.String("runner_id", runnerID))
	return nil
}

// MarkForDeregistration sets the flag delivered on the runner's next
// long-poll response, and wakes any blocked poller so it notices promptly.
func (r *Registry) MarkForDeregistration(ctx context.Context, runnerID string) error {
	lock := r.lockFor(runnerID)
	lock.Lock()
	if err := r.db.MarkForDeregistration(ctx, runnerID); err != nil {
		lock.Unlock()
		return fmt.Errorf("mark runner for deregistration: %w", err)
	}
	lock.Unlock()
	r.wake.Broadcast()
	return nil
}

// QueueStop appends a run id to a runner's stop-intent queue and wakes
// any blocked long-poll so it is delivered promptly.
func (r *Registry) QueueStop(runnerID, runID string) {
	r.intentsMu.Lock()
	r.intents[runnerID] = append(r.intents[runnerID], runID)
	r.intentsMu.Unlock()
	r.wake.Broadcast()
}

// DrainStopIntents removes and returns every queued stop for a runner.
func (r *Registry) DrainStopIntents(runnerID string) []string {
	r.intentsMu.Lock()
	defer r.intentsMu.Unlock()
	ids := r.intents[runnerID]
	delete(r.intents, runnerID)
	return ids
}

// HasStopIntents reports whether a runner currently has any queued stops,
// without draining them.
func (r *Registry) HasStopIntents(runnerID string) bool {
	r.intentsMu.Lock()
	defer r.intentsMu.Unlock()
	return len(r.intents[runnerID]) > 0
}

// RequireOnline returns apierr.NotFound if the runner is unknown, wrapping
// the Store's own not-found so callers get spec.md §7's taxonomy uniformly.
func (r *Registry) RequireOnline(ctx context.Context, runnerID string) (*domain.RunnerRegistration, error) {
	reg, err := r.db.GetRunner(ctx, runnerID)
	if err != nil {
		if _, ok := apierr.As(err); ok {
			return nil, err
		}
		return nil, apierr.NotFound("runner %q not found", runnerID)
	}
	return reg, nil
}
