// Package queue implements the Run Queue & Matcher (spec.md §4.4):
// enqueue, demand-vs-capability dispatch via long-poll, the no-match
// timeout sweeper, and stop handling.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/blueprint"
	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/broadcast"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
	"github.com/agentmesh/coordinator/internal/eventbus"
	"github.com/agentmesh/coordinator/internal/registry"
	"github.com/agentmesh/coordinator/internal/store"
)

// runStore is the subset of *store.Store the queue mutates directly.
type runStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ClaimFirstMatching(ctx context.Context, runnerID string, caps domain.Capabilities, now time.Time) (*domain.Run, error)
	ApplyRunTransition(ctx context.Context, runID string, t store.RunTransition) error
	ListTimedOutPending(ctx context.Context, now time.Time) ([]*domain.Run, error)
	CreateSession(ctx context.Context, sess *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, now time.Time) error
}

// blueprints is the subset of *blueprint.BlueprintStore the queue reads.
type blueprints interface {
	Get(ctx context.Context, name string) (*domain.Blueprint, error)
}

// TerminalHook is invoked whenever the queue itself drives a run to a
// terminal state (timeout, or stop while still pending) so the Session
// Controller can keep session status and callback delivery in sync
// without the queue importing it back (spec.md §4.6 owns that logic).
type TerminalHook func(ctx context.Context, run *domain.Run)

// Queue is the Run Queue & Matcher.
type Queue struct {
	db         runStore
	blueprints blueprints
	registry   *registry.Registry
	bus        *eventbus.Bus
	wake       *broadcast.Broadcaster
	log        *logger.Logger

	noMatchTimeout time.Duration
	onTerminal     TerminalHook
}

// New creates a Queue. wake must be the same Broadcaster passed to the
// Registry, so a single broadcast wakes a get_work long-poll regardless of
// whether the wake reason was a new run or a registry event.
func New(db runStore, bps blueprints, reg *registry.Registry, bus *eventbus.Bus, wake *broadcast.Broadcaster, log *logger.Logger, noMatchTimeout time.Duration, onTerminal TerminalHook) *Queue {
	return &Queue{
		db:             db,
		blueprints:     bps,
		registry:       reg,
		bus:            bus,
		wake:           wake,
		log:            log,
		noMatchTimeout: noMatchTimeout,
		onTerminal:     onTerminal,
	}
}

// CreateRunRequest carries the fields of a create_run call (spec.md §6's
// `POST /runs`, and the implicit `resume` path reached by the Session
// Controller for callback delivery).
type CreateRunRequest struct {
	Type            domain.RunType
	SessionID       string // required for resume, ignored for start
	ParentSessionID *string
	AgentName       string
	Parameters      domain.JSONValue
	Scope           domain.JSONValue
	ExecutionMode   domain.ExecutionMode
	CallerDemands   domain.Demands
	ProjectDir      string
	Hostname        string
	ExecutorProfile string
}

// CreateRun implements spec.md §4.4's eight-step enqueue sequence.
func (q *Queue) CreateRun(ctx context.Context, req CreateRunRequest) (*domain.Run, error) {
	bp, err := q.blueprints.Get(ctx, req.AgentName)
	if err != nil {
		return nil, err
	}
	if bp.Status != domain.BlueprintActive {
		return nil, apierr.Conflict("blueprint %q is not active", req.AgentName)
	}
	if bp.Type == domain.BlueprintProcedural && req.Type == domain.RunResume {
		return nil, apierr.Validation("procedural blueprint %q cannot be resumed: procedural agents are stateless", req.AgentName)
	}

	schema, err := blueprint.MergeParametersSchema(bp)
	if err != nil {
		return nil, err
	}
	if err := blueprint.ValidateParameters(schema, req.Parameters); err != nil {
		return nil, err
	}

	runID := "run_" + uuid.New().String()

	if req.Type == domain.RunStart && req.ParentSessionID != nil {
		if _, err := q.db.GetSession(ctx, *req.ParentSessionID); err != nil {
			return nil, apierr.Validation(fmt.Sprintf("parent_session_id %q does not refer to an existing session", *req.ParentSessionID))
		}
	}

	var sessionID string
	now := time.Now()
	if req.Type == domain.RunStart {
		if req.SessionID != "" {
			sessionID = req.SessionID
		} else {
			sessionID = "ses_" + uuid.New().String()
		}
		if _, err := q.db.GetSession(ctx, sessionID); err != nil {
			sess := &domain.Session{
				SessionID:       sessionID,
				ParentSessionID: req.ParentSessionID,
				AgentName:       req.AgentName,
				Status:          domain.SessionPending,
				ProjectDir:      req.ProjectDir,
				CreatedAt:       now,
				ModifiedAt:      now,
				ExecutorProfile: req.ExecutorProfile,
				Hostname:        req.Hostname,
			}
			if err := q.db.CreateSession(ctx, sess); err != nil {
				return nil, fmt.Errorf("create session: %w", err)
			}
			q.bus.Publish(eventbus.Message{Kind: eventbus.SessionCreated, SessionID: sessionID, Session: sess})
		}
	} else {
		sessionID = req.SessionID
		if sessionID == "" {
			return nil, apierr.Validation("resume requires session_id")
		}
		if _, err := q.db.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	mergedDemands, err := domain.MergeDemands(bp.Demands, req.CallerDemands)
	if err != nil {
		return nil, apierr.DemandMismatch(err.Error())
	}

	resolveCtx := blueprint.ResolveContext{
		Params: req.Parameters,
		Scope:  req.Scope,
		Runtime: blueprint.RuntimeIDs{
			SessionID: sessionID,
			RunID:     runID,
		},
	}
	resolvedBlueprint := blueprint.Resolve(blueprintAsJSON(bp), resolveCtx)

	run := &domain.Run{
		RunID:             runID,
		Type:              req.Type,
		SessionID:         sessionID,
		AgentName:         req.AgentName,
		Parameters:        req.Parameters,
		Scope:             req.Scope,
		ResolvedBlueprint: resolvedBlueprint,
		Demands:           mergedDemands,
		ExecutionMode:     req.ExecutionMode,
		Status:            domain.RunPending,
		ParentSessionID:   req.ParentSessionID,
		CreatedAt:         now,
		TimeoutAt:         timePtr(now.Add(q.noMatchTimeout)),
	}
	if err := q.db.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if sess, err := q.db.GetSession(ctx, sessionID); err == nil {
		q.bus.Publish(eventbus.Message{Kind: eventbus.SessionUpdated, SessionID: sessionID, Session: sess})
	}
	q.wake.Broadcast()

	return run, nil
}

// blueprintAsJSON projects the blueprint fields placeholder resolution
// applies to (prompt, mcp server config, hooks) into a generic JSON tree
// so blueprint.Resolve can walk it uniformly.
func blueprintAsJSON(bp *domain.Blueprint) domain.JSONValue {
	return map[string]interface{}{
		"system_prompt": bp.SystemPrompt,
		"mcp_servers":   bp.MCPServers,
		"hooks":         bp.Hooks,
		"command":       bp.Command,
	}
}

// GetWork implements the get_work long-poll dispatch of spec.md §4.4.
func (q *Queue) GetWork(ctx context.Context, runnerID string, pollTimeout time.Duration) (run *domain.Run, deregistered bool, stopRunIDs []string, err error) {
	marked, err := q.registry.Heartbeat(ctx, runnerID)
	if err != nil {
		return nil, false, nil, err
	}
	if marked {
		return nil, true, nil, nil
	}

	if ids := q.registry.DrainStopIntents(runnerID); len(ids) > 0 {
		return nil, false, ids, nil
	}

	reg, err := q.registry.Get(ctx, runnerID)
	if err != nil {
		return nil, false, nil, err
	}

	run, err = q.tryClaim(ctx, runnerID, reg.Capabilities)
	if err != nil {
		return nil, false, nil, err
	}
	if run != nil {
		return run, false, nil, nil
	}

	wake := q.wake.Wait()
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
		return nil, false, nil, ctx.Err()
	}

	run, err = q.tryClaim(ctx, runnerID, reg.Capabilities)
	if err != nil {
		return nil, false, nil, err
	}
	return run, false, nil, nil
}

func (q *Queue) tryClaim(ctx context.Context, runnerID string, caps domain.Capabilities) (*domain.Run, error) {
	run, err := q.db.ClaimFirstMatching(ctx, runnerID, caps, time.Now())
	if err != nil {
		return nil, fmt.Errorf("claim first matching: %w", err)
	}
	return run, nil
}

// StopRun implements spec.md §4.4's stop rule.
func (q *Queue) StopRun(ctx context.Context, runID string) error {
	run, err := q.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now()
	switch run.Status {
	case domain.RunPending:
		if err := q.db.ApplyRunTransition(ctx, runID, store.RunTransition{Status: domain.RunStopped, CompletedAt: &now}); err != nil {
			return err
		}
		run.Status = domain.RunStopped
		run.CompletedAt = &now
		if q.onTerminal != nil {
			q.onTerminal(ctx, run)
		}
		return nil
	case domain.RunClaimed, domain.RunRunning:
		if err := q.db.ApplyRunTransition(ctx, runID, store.RunTransition{Status: domain.RunStopping}); err != nil {
			return err
		}
		if run.RunnerID != nil {
			q.registry.QueueStop(*run.RunnerID, runID)
		}
		return nil
	default:
		return apierr.Validation(fmt.Sprintf("run %q cannot be stopped from status %s", runID, run.Status))
	}
}

// SweepTimeouts scans pending runs whose timeout_at has elapsed and fails
// them with "no matching runner" (spec.md §4.4's timeout sweeper).
func (q *Queue) SweepTimeouts(ctx context.Context) error {
	now := time.Now()
	runs, err := q.db.ListTimedOutPending(ctx, now)
	if err != nil {
		return fmt.Errorf("list timed out runs: %w", err)
	}
	for _, run := range runs {
		errMsg := "no matching runner"
		if err := q.db.ApplyRunTransition(ctx, run.RunID, store.RunTransition{
			Status:      domain.RunFailed,
			CompletedAt: &now,
			Error:       &errMsg,
		}); err != nil {
			q.log.Error("failed to sweep timed out run", zap.String("run_id", run.RunID), zap.Error(err))
			continue
		}
		run.Status = domain.RunFailed
		run.CompletedAt = &now
		run.Error = &errMsg
		if q.onTerminal != nil {
			q.onTerminal(ctx, run)
		}
	}
	return nil
}

// RunSweepLoop runs SweepTimeouts on a ticker until ctx is cancelled.
func (q *Queue) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.SweepTimeouts(ctx); err != nil {
				q.log.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
