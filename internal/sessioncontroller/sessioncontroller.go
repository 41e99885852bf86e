// Package sessioncontroller implements the Session Controller (spec.md
// §4.6): runner-reported lifecycle transitions, callback-mode child-run
// resume delivery, result retrieval, and the crash-recovery sweep.
package sessioncontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/broadcast"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
	"github.com/agentmesh/coordinator/internal/eventbus"
	"github.com/agentmesh/coordinator/internal/queue"
	"github.com/agentmesh/coordinator/internal/store"
)

// RecoveryMode selects how running/claimed/stopping runs are treated on
// process restart (spec.md §4.6).
type RecoveryMode string

const (
	RecoveryNone  RecoveryMode = "none"
	RecoveryStale RecoveryMode = "stale"
	RecoveryAll   RecoveryMode = "all"
)

// dataStore is the subset of *store.Store the controller needs.
type dataStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, now time.Time) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ApplyRunTransition(ctx context.Context, runID string, t store.RunTransition) error
	ResetRunToPending(ctx context.Context, runID string) error
	ListRecoverable(ctx context.Context) ([]*domain.Run, error)
	AppendEvent(ctx context.Context, sessionID string, kind domain.EventKind, payload domain.JSONValue, eventID string, now time.Time) (*domain.Event, error)
	LatestResultEvent(ctx context.Context, sessionID string) (*domain.Event, error)
	GetRunner(ctx context.Context, runnerID string) (*domain.RunnerRegistration, error)
}

// enqueuer is the subset of *queue.Queue the controller needs, to enqueue
// a callback resume run on a parent session.
type enqueuer interface {
	CreateRun(ctx context.Context, req queue.CreateRunRequest) (*domain.Run, error)
}

// Controller is the Session Controller.
type Controller struct {
	db       dataStore
	enqueue  enqueuer
	bus      *eventbus.Bus
	wake     *broadcast.Broadcaster
	log      *logger.Logger
	recovery RecoveryMode
	heartbeatTimeout time.Duration
}

// New creates a Controller.
func New(db dataStore, enqueue enqueuer, bus *eventbus.Bus, wake *broadcast.Broadcaster, log *logger.Logger, recovery RecoveryMode, heartbeatTimeout time.Duration) *Controller {
	return &Controller{
		db:               db,
		enqueue:          enqueue,
		bus:              bus,
		wake:             wake,
		log:              log,
		recovery:         recovery,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Started handles a runner-reported `started(run_id)`. Idempotent: a run
// already running is left unchanged.
func (c *Controller) Started(ctx context.Context, runID string) error {
	run, err := c.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunRunning {
		return nil
	}
	if run.Status != domain.RunClaimed {
		return apierr.Conflict("run %q cannot start from status %s", runID, run.Status)
	}

	now := time.Now()
	if err := c.db.ApplyRunTransition(ctx, runID, store.RunTransition{Status: domain.RunRunning, StartedAt: &now}); err != nil {
		return err
	}
	if err := c.db.UpdateSessionStatus(ctx, run.SessionID, domain.SessionRunning, now); err != nil {
		return err
	}

	ev, err := c.db.AppendEvent(ctx, run.SessionID, domain.EventSessionStart,
		map[string]interface{}{"run_id": runID}, "evt_"+uuid.New().String(), now)
	if err != nil {
		return err
	}
	c.publishSessionUpdated(ctx, run.SessionID)
	c.bus.Publish(eventbus.Message{Kind: eventbus.EventAppended, SessionID: run.SessionID, Event: ev})
	return nil
}

// Completed handles a runner-reported `completed(run_id, ...)`. Idempotent:
// a run already completed produces no additional events.
func (c *Controller) Completed(ctx context.Context, runID string, resultText *string, resultData domain.JSONValue) error {
	run, err := c.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunCompleted {
		return nil
	}
	if run.Status != domain.RunRunning {
		return apierr.Conflict("run %q cannot complete from status %s", runID, run.Status)
	}

	now := time.Now()
	if err := c.db.ApplyRunTransition(ctx, runID, store.RunTransition{Status: domain.RunCompleted, CompletedAt: &now}); err != nil {
		return err
	}
	if err := c.db.UpdateSessionStatus(ctx, run.SessionID, domain.SessionFinished, now); err != nil {
		return err
	}

	payload := map[string]interface{}{"result_text": resultText, "result_data": resultData}
	ev, err := c.db.AppendEvent(ctx, run.SessionID, domain.EventResult, payload, "evt_"+uuid.New().String(), now)
	if err != nil {
		return err
	}
	c.publishSessionUpdated(ctx, run.SessionID)
	c.bus.Publish(eventbus.Message{Kind: eventbus.EventAppended, SessionID: run.SessionID, Event: ev})

	c.deliverCallback(ctx, run, "completed", resultText, resultData)
	return nil
}

// Failed handles a runner-reported `failed(run_id, error)`. Idempotent.
func (c *Controller) Failed(ctx context.Context, runID string, errMsg string) error {
	run, err := c.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunFailed {
		return nil
	}
	if run.IsTerminal() {
		return apierr.Conflict("run %q cannot fail from status %s", runID, run.Status)
	}

	now := time.Now()
	if err := c.db.ApplyRunTransition(ctx, runID, store.RunTransition{Status: domain.RunFailed, CompletedAt: &now, Error: &errMsg}); err != nil {
		return err
	}
	if err := c.db.UpdateSessionStatus(ctx, run.SessionID, domain.SessionFailed, now); err != nil {
		return err
	}

	ev, err := c.db.AppendEvent(ctx, run.SessionID, domain.EventSessionStop,
		map[string]interface{}{"run_id": runID, "reason": errMsg}, "evt_"+uuid.New().String(), now)
	if err != nil {
		return err
	}
	c.publishSessionUpdated(ctx, run.SessionID)
	c.bus.Publish(eventbus.Message{Kind: eventbus.EventAppended, SessionID: run.SessionID, Event: ev})

	c.deliverCallback(ctx, run, "failed", &errMsg, nil)
	return nil
}

// Stopped handles a runner-reported `stopped(run_id, signal)`. Idempotent.
func (c *Controller) Stopped(ctx context.Context, runID string, signal string) error {
	run, err := c.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunStopped {
		return nil
	}
	if run.Status != domain.RunStopping {
		return apierr.Conflict("run %q cannot stop from status %s", runID, run.Status)
	}

	now := time.Now()
	if err := c.db.ApplyRunTransition(ctx, runID, store.RunTransition{Status: domain.RunStopped, CompletedAt: &now}); err != nil {
		return err
	}
	if err := c.db.UpdateSessionStatus(ctx, run.SessionID, domain.SessionStopped, now); err != nil {
		return err
	}
	c.publishSessionUpdated(ctx, run.SessionID)
	return nil
}

// OnRunTerminal is the queue.TerminalHook: invoked when the Run Queue
// itself drives a run to a terminal state (timeout, or a stop while still
// pending) so the session and any callback still get the same treatment
// as a runner-reported transition.
func (c *Controller) OnRunTerminal(ctx context.Context, run *domain.Run) {
	now := time.Now()
	var sessionStatus domain.SessionStatus
	switch run.Status {
	case domain.RunFailed:
		sessionStatus = domain.SessionFailed
	case domain.RunStopped:
		sessionStatus = domain.SessionStopped
	default:
		return
	}
	if err := c.db.UpdateSessionStatus(ctx, run.SessionID, sessionStatus, now); err != nil {
		c.log.Error("failed to update session status on run terminal", zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	c.publishSessionUpdated(ctx, run.SessionID)

	if run.Status == domain.RunFailed {
		errMsg := "no matching runner"
		if run.Error != nil {
			errMsg = *run.Error
		}
		c.deliverCallback(ctx, run, "failed", &errMsg, nil)
	}
}

// Result returns a session's most recent result event, or a conflict
// error ("not_yet_available") if the session has not finished.
func (c *Controller) Result(ctx context.Context, sessionID string) (*domain.Event, error) {
	sess, err := c.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.SessionFinished {
		return nil, apierr.Conflict("not_yet_available")
	}
	ev, err := c.db.LatestResultEvent(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, apierr.Conflict("not_yet_available")
	}
	return ev, nil
}

// callbackBlock is the machine-readable payload rendered into a parent
// session's resume prompt (spec.md §4.6).
type callbackBlock struct {
	ChildSessionID string           `json:"child_session_id"`
	Status         string           `json:"status"`
	ResultText     *string          `json:"result_text,omitempty"`
	ResultData     domain.JSONValue `json:"result_data,omitempty"`
}

func (c *Controller) deliverCallback(ctx context.Context, childRun *domain.Run, status string, resultText *string, resultData domain.JSONValue) {
	if childRun.ExecutionMode != domain.ExecutionAsyncCallback || childRun.ParentSessionID == nil {
		return
	}
	parentSessionID := *childRun.ParentSessionID

	parent, err := c.db.GetSession(ctx, parentSessionID)
	if err != nil {
		c.log.Error("callback parent session lookup failed", zap.String("parent_session_id", parentSessionID), zap.Error(err))
		return
	}
	if parent.Status == domain.SessionStopped || parent.Status == domain.SessionFailed {
		c.log.Warn("delivering callback to a stopped or failed parent session",
			zap.String("parent_session_id", parentSessionID), zap.String("parent_status", string(parent.Status)))
	}

	block := callbackBlock{
		ChildSessionID: childRun.SessionID,
		Status:         status,
		ResultText:     resultText,
		ResultData:     resultData,
	}
	raw, err := json.Marshal(block)
	if err != nil {
		c.log.Error("failed to marshal callback block", zap.Error(err))
		return
	}
	prompt := fmt.Sprintf("Child session callback:\n```json\n%s\n```", string(raw))

	_, err = c.enqueue.CreateRun(ctx, queue.CreateRunRequest{
		Type:            domain.RunResume,
		SessionID:       parentSessionID,
		AgentName:       parent.AgentName,
		Parameters:      map[string]interface{}{"prompt": prompt},
		ExecutionMode:   domain.ExecutionAsyncPoll,
		ProjectDir:      parent.ProjectDir,
		Hostname:        parent.Hostname,
		ExecutorProfile: parent.ExecutorProfile,
	})
	if err != nil {
		c.log.Error("failed to enqueue callback resume run", zap.String("parent_session_id", parentSessionID), zap.Error(err))
	}
}

func (c *Controller) publishSessionUpdated(ctx context.Context, sessionID string) {
	sess, err := c.db.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	c.bus.Publish(eventbus.Message{Kind: eventbus.SessionUpdated, SessionID: sessionID, Session: sess})
}

// RecoverySweep runs at startup and reconciles runs left in a
// non-terminal state by a prior process crash (spec.md §4.6).
func (c *Controller) RecoverySweep(ctx context.Context) error {
	if c.recovery == RecoveryNone {
		return nil
	}

	runs, err := c.db.ListRecoverable(ctx)
	if err != nil {
		return fmt.Errorf("list recoverable runs: %w", err)
	}

	now := time.Now()
	for _, run := range runs {
		switch run.Status {
		case domain.RunClaimed:
			if err := c.db.ResetRunToPending(ctx, run.RunID); err != nil {
				c.log.Error("recovery: failed to reset claimed run to pending", zap.String("run_id", run.RunID), zap.Error(err))
			}

		case domain.RunRunning:
			if !c.shouldFailRunning(ctx, run, now) {
				continue
			}
			errMsg := "runner disappeared"
			if err := c.db.ApplyRunTransition(ctx, run.RunID, store.RunTransition{Status: domain.RunFailed, CompletedAt: &now, Error: &errMsg}); err != nil {
				c.log.Error("recovery: failed to fail running run", zap.String("run_id", run.RunID), zap.Error(err))
				continue
			}
			if err := c.db.UpdateSessionStatus(ctx, run.SessionID, domain.SessionFailed, now); err != nil {
				c.log.Error("recovery: failed to fail session", zap.String("session_id", run.SessionID), zap.Error(err))
			}

		case domain.RunStopping:
			if err := c.db.ApplyRunTransition(ctx, run.RunID, store.RunTransition{Status: domain.RunStopped, CompletedAt: &now}); err != nil {
				c.log.Error("recovery: failed to stop stopping run", zap.String("run_id", run.RunID), zap.Error(err))
				continue
			}
			if err := c.db.UpdateSessionStatus(ctx, run.SessionID, domain.SessionStopped, now); err != nil {
				c.log.Error("recovery: failed to stop session", zap.String("session_id", run.SessionID), zap.Error(err))
			}
		}
	}

	c.wake.Broadcast()
	return nil
}

func (c *Controller) shouldFailRunning(ctx context.Context, run *domain.Run, now time.Time) bool {
	if c.recovery == RecoveryAll {
		return true
	}
	// RecoveryStale: only fail if the owning runner's heartbeat is stale
	// past the timeout threshold, or the runner is gone entirely.
	if run.RunnerID == nil {
		return true
	}
	reg, err := c.db.GetRunner(ctx, *run.RunnerID)
	if err != nil {
		return true
	}
	return now.Sub(reg.LastHeartbeat) >= c.heartbeatTimeout
}
