package sessioncontroller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/broadcast"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
	"github.com/agentmesh/coordinator/internal/eventbus"
	"github.com/agentmesh/coordinator/internal/queue"
	"github.com/agentmesh/coordinator/internal/store"
)

type fakeStore struct {
	sessions map[string]*domain.Session
	runs     map[string]*domain.Run
	runners  map[string]*domain.RunnerRegistration
	events   []*domain.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*domain.Session),
		runs:     make(map[string]*domain.Run),
		runners:  make(map[string]*domain.RunnerRegistration),
	}
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, apierr.NotFound("session %q not found", sessionID)
	}
	return sess, nil
}

func (f *fakeStore) UpdateSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus, now time.Time) error {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return apierr.NotFound("session %q not found", sessionID)
	}
	sess.Status = status
	sess.ModifiedAt = now
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, apierr.NotFound("run %q not found", runID)
	}
	return run, nil
}

func (f *fakeStore) ApplyRunTransition(_ context.Context, runID string, t store.RunTransition) error {
	run, ok := f.runs[runID]
	if !ok {
		return apierr.NotFound("run %q not found", runID)
	}
	run.Status = t.Status
	if t.StartedAt != nil {
		run.StartedAt = t.StartedAt
	}
	if t.CompletedAt != nil {
		run.CompletedAt = t.CompletedAt
	}
	if t.Error != nil {
		run.Error = t.Error
	}
	if t.RunnerID != nil {
		run.RunnerID = t.RunnerID
	}
	return nil
}

func (f *fakeStore) ResetRunToPending(_ context.Context, runID string) error {
	run, ok := f.runs[runID]
	if !ok {
		return apierr.NotFound("run %q not found", runID)
	}
	run.Status = domain.RunPending
	run.RunnerID = nil
	return nil
}

func (f *fakeStore) ListRecoverable(_ context.Context) ([]*domain.Run, error) {
	var out []*domain.Run
	for _, run := range f.runs {
		switch run.Status {
		case domain.RunClaimed, domain.RunRunning, domain.RunStopping:
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, sessionID string, kind domain.EventKind, payload domain.JSONValue, eventID string, now time.Time) (*domain.Event, error) {
	ev := &domain.Event{EventID: eventID, SessionID: sessionID, Kind: kind, Payload: payload, Timestamp: now}
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeStore) LatestResultEvent(_ context.Context, sessionID string) (*domain.Event, error) {
	var latest *domain.Event
	for _, ev := range f.events {
		if ev.SessionID == sessionID && ev.Kind == domain.EventResult {
			latest = ev
		}
	}
	return latest, nil
}

func (f *fakeStore) GetRunner(_ context.Context, runnerID string) (*domain.RunnerRegistration, error) {
	reg, ok := f.runners[runnerID]
	if !ok {
		return nil, apierr.NotFound("runner %q not found", runnerID)
	}
	return reg, nil
}

type fakeEnqueuer struct {
	calls []queue.CreateRunRequest
	err   error
}

func (f *fakeEnqueuer) CreateRun(_ context.Context, req queue.CreateRunRequest) (*domain.Run, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Run{RunID: "run_callback"}, nil
}

func newTestController(t *testing.T, db *fakeStore, enq *fakeEnqueuer, mode RecoveryMode) *Controller {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	bus := eventbus.New(log, 0)
	wake := broadcast.New()
	return New(db, enq, bus, wake, log, mode, time.Minute)
}

func TestStartedTransition(t *testing.T) {
	db := newFakeStore()
	now := time.Now()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionPending}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", Status: domain.RunClaimed}
	_ = now
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryNone)

	err := c.Started(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, db.runs["run_1"].Status)
	assert.Equal(t, domain.SessionRunning, db.sessions["ses_1"].Status)

	t.Run("idempotent", func(t *testing.T) {
		err := c.Started(context.Background(), "run_1")
		assert.NoError(t, err)
	})
}

func TestStartedRejectsWrongStatus(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1"}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", Status: domain.RunPending}
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryNone)

	err := c.Started(context.Background(), "run_1")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestCompletedDeliversCallback(t *testing.T) {
	db := newFakeStore()
	parentID := "ses_parent"
	childID := "ses_child"
	db.sessions[parentID] = &domain.Session{SessionID: parentID, AgentName: "reviewer", Status: domain.SessionFinished}
	db.sessions[childID] = &domain.Session{SessionID: childID, AgentName: "worker", Status: domain.SessionRunning}
	db.runs["run_child"] = &domain.Run{
		RunID:           "run_child",
		SessionID:       childID,
		ParentSessionID: &parentID,
		ExecutionMode:   domain.ExecutionAsyncCallback,
		Status:          domain.RunRunning,
	}
	enq := &fakeEnqueuer{}
	c := newTestController(t, db, enq, RecoveryNone)

	text := "done"
	err := c.Completed(context.Background(), "run_child", &text, map[string]interface{}{"ok": true})
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, db.runs["run_child"].Status)
	assert.Equal(t, domain.SessionFinished, db.sessions[childID].Status)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, parentID, enq.calls[0].SessionID)
	assert.Equal(t, domain.RunResume, enq.calls[0].Type)

	t.Run("idempotent, no second callback", func(t *testing.T) {
		err := c.Completed(context.Background(), "run_child", &text, nil)
		require.NoError(t, err)
		assert.Len(t, enq.calls, 1)
	})
}

func TestCompletedWithoutCallbackDoesNotEnqueue(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionRunning}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", ExecutionMode: domain.ExecutionAsyncPoll, Status: domain.RunRunning}
	enq := &fakeEnqueuer{}
	c := newTestController(t, db, enq, RecoveryNone)

	err := c.Completed(context.Background(), "run_1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, enq.calls)
}

func TestFailedTransition(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionRunning}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", Status: domain.RunRunning}
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryNone)

	err := c.Failed(context.Background(), "run_1", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, db.runs["run_1"].Status)
	assert.Equal(t, domain.SessionFailed, db.sessions["ses_1"].Status)
	require.NotNil(t, db.runs["run_1"].Error)
	assert.Equal(t, "boom", *db.runs["run_1"].Error)
}

func TestResultNotYetAvailable(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionRunning}
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryNone)

	_, err := c.Result(context.Background(), "ses_1")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestResultReturnsLatestEvent(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionFinished}
	db.events = append(db.events, &domain.Event{EventID: "evt_1", SessionID: "ses_1", Kind: domain.EventResult})
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryNone)

	ev, err := c.Result(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID)
}

func TestRecoverySweepModeNone(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionRunning}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", Status: domain.RunRunning}
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryNone)

	err := c.RecoverySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, db.runs["run_1"].Status)
}

func TestRecoverySweepModeAllFailsRunning(t *testing.T) {
	db := newFakeStore()
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionRunning}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", Status: domain.RunRunning}
	db.runs["run_2"] = &domain.Run{RunID: "run_2", SessionID: "ses_1", Status: domain.RunClaimed}
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryAll)

	err := c.RecoverySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, db.runs["run_1"].Status)
	assert.Equal(t, domain.RunPending, db.runs["run_2"].Status)
	assert.Nil(t, db.runs["run_2"].RunnerID)
}

func TestRecoverySweepModeStaleChecksHeartbeat(t *testing.T) {
	db := newFakeStore()
	runnerID := "runner_abc"
	db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", Status: domain.SessionRunning}
	db.runners[runnerID] = &domain.RunnerRegistration{RunnerID: runnerID, LastHeartbeat: time.Now()}
	db.runs["run_1"] = &domain.Run{RunID: "run_1", SessionID: "ses_1", Status: domain.RunRunning, RunnerID: &runnerID}
	c := newTestController(t, db, &fakeEnqueuer{}, RecoveryStale)

	err := c.RecoverySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, db.runs["run_1"].Status, "fresh heartbeat should not be failed")
}

func TestOnRunTerminalUpdatesSessionAndCallback(t *testing.T) {
	db := newFakeStore()
	parentID := "ses_parent"
	childID := "ses_child"
	db.sessions[parentID] = &domain.Session{SessionID: parentID, AgentName: "reviewer"}
	db.sessions[childID] = &domain.Session{SessionID: childID, Status: domain.SessionRunning}
	enq := &fakeEnqueuer{}
	c := newTestController(t, db, enq, RecoveryNone)

	errMsg := "no matching runner"
	run := &domain.Run{
		RunID:           "run_1",
		SessionID:       childID,
		ParentSessionID: &parentID,
		ExecutionMode:   domain.ExecutionAsyncCallback,
		Status:          domain.RunFailed,
		Error:           &errMsg,
	}
	c.OnRunTerminal(context.Background(), run)

	assert.Equal(t, domain.SessionFailed, db.sessions[childID].Status)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, parentID, enq.calls[0].SessionID)
}
