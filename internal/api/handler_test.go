package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/coordinator/internal/blueprint"
	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/broadcast"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
	"github.com/agentmesh/coordinator/internal/eventbus"
	"github.com/agentmesh/coordinator/internal/queue"
	"github.com/agentmesh/coordinator/internal/registry"
	"github.com/agentmesh/coordinator/internal/sessioncontroller"
	"github.com/agentmesh/coordinator/internal/store"
	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// fakeStore backs every narrow interface the wired components need
// (api.dataStore, queue.runStore, registry.runnerStore,
// sessioncontroller.dataStore), mirroring that they all share one
// database in production.
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

func (f *fakeStore) ListSessions(_ context.Context) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, sess := range f.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, apierr.NotFound("session %q not found", sessionID)
	}
	return sess, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	if _, ok := f.sessions[sessionID]; !ok {
		return true, nil
	}
	delete(f.sessions, sessionID)
	return false, nil
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

func (f *fakeStore) ListEvents(_ context.Context, sessionID string) ([]*domain.Event, error) {
	var out []*domain.Event
	for _, ev := range f.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) ListBySession(_ context.Context, sessionID string) ([]*domain.Run, error) {
	var out []*domain.Run
	for _, run := range f.runs {
		if run.SessionID == sessionID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *domain.Run) error {
	f.runs[run.RunID] = run
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, apierr.NotFound("run %q not found", runID)
	}
	return run, nil
}

func (f *fakeStore) ClaimFirstMatching(_ context.Context, runnerID string, caps domain.Capabilities, now time.Time) (*domain.Run, error) {
	var pending []*domain.Run
	for _, run := range f.runs {
		if run.Status == domain.RunPending {
			pending = append(pending, run)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	for _, run := range pending {
		if !domain.CapabilitiesSatisfyDemands(caps, run.Demands) {
			continue
		}
		if f.sessionHasActiveRun(run.SessionID) {
			continue
		}
		run.Status = domain.RunClaimed
		run.RunnerID = &runnerID
		run.ClaimedAt = &now
		return run, nil
	}
	return nil, nil
}

// sessionHasActiveRun mirrors the store's NOT EXISTS guard: a session
// with a sibling run already claimed/running/stopping must not have a
// second run claimed concurrently.
func (f *fakeStore) sessionHasActiveRun(sessionID string) bool {
	for _, run := range f.runs {
		if run.SessionID != sessionID {
			continue
		}
		switch run.Status {
		case domain.RunClaimed, domain.RunRunning, domain.RunStopping:
			return true
		}
	}
	return false
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

func (f *fakeStore) ListTimedOutPending(_ context.Context, now time.Time) ([]*domain.Run, error) {
	var out []*domain.Run
	for _, run := range f.runs {
		if run.Status == domain.RunPending && run.TimeoutAt != nil && run.TimeoutAt.Before(now) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSession(_ context.Context, sess *domain.Session) error {
	f.sessions[sess.SessionID] = sess
	return nil
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

func (f *fakeStore) UpsertRunner(_ context.Context, reg *domain.RunnerRegistration) error {
	f.runners[reg.RunnerID] = reg
	return nil
}

func (f *fakeStore) GetRunner(_ context.Context, runnerID string) (*domain.RunnerRegistration, error) {
	reg, ok := f.runners[runnerID]
	if !ok {
		return nil, apierr.NotFound("runner %q not found", runnerID)
	}
	return reg, nil
}

func (f *fakeStore) ListRunners(_ context.Context) ([]*domain.RunnerRegistration, error) {
	var out []*domain.RunnerRegistration
	for _, reg := range f.runners {
		out = append(out, reg)
	}
	return out, nil
}

func (f *fakeStore) Heartbeat(_ context.Context, runnerID string, now time.Time) error {
	reg, ok := f.runners[runnerID]
	if !ok {
		return apierr.NotFound("runner %q not found", runnerID)
	}
	reg.LastHeartbeat = now
	return nil
}

func (f *fakeStore) MarkForDeregistration(_ context.Context, runnerID string) error {
	reg, ok := f.runners[runnerID]
	if !ok {
		return apierr.NotFound("runner %q not found", runnerID)
	}
	reg.MarkedForDeregistration = true
	return nil
}

func (f *fakeStore) DeleteRunner(_ context.Context, runnerID string) error {
	delete(f.runners, runnerID)
	return nil
}

// fakePersister backs the blueprint write-through cache's persistence side.
type fakePersister struct {
	byName map[string]*domain.Blueprint
}

func newFakePersister() *fakePersister {
	return &fakePersister{byName: make(map[string]*domain.Blueprint)}
}

func (f *fakePersister) UpsertBlueprint(_ context.Context, bp *domain.Blueprint) error {
	cp := *bp
	f.byName[bp.Name] = &cp
	return nil
}

func (f *fakePersister) ListBlueprints(_ context.Context) ([]*domain.Blueprint, error) {
	var out []*domain.Blueprint
	for _, bp := range f.byName {
		out = append(out, bp)
	}
	return out, nil
}

func (f *fakePersister) DeleteBlueprint(_ context.Context, name string) (bool, error) {
	if _, ok := f.byName[name]; !ok {
		return true, nil
	}
	delete(f.byName, name)
	return false, nil
}

func (f *fakePersister) RemoveBlueprintsOwnedBy(_ context.Context, runnerID string) error {
	for name, bp := range f.byName {
		if bp.RunnerOwned && bp.OwnerRunnerID != nil && *bp.OwnerRunnerID == runnerID {
			delete(f.byName, name)
		}
	}
	return nil
}

// testServer bundles a fully wired Handler's router plus its backing fake
// store, the way cmd/coordinatord/main.go wires the real components.
type testServer struct {
	router *gin.Engine
	db     *fakeStore
}

func newTestServer(t *testing.T, pollTimeout time.Duration) *testServer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	db := newFakeStore()
	bps := blueprint.NewBlueprintStore(log, newFakePersister())
	bus := eventbus.New(log, 16)
	wake := broadcast.New()
	reg := registry.New(db, log, wake, time.Minute, time.Hour)

	var sessions *sessioncontroller.Controller
	onTerminal := queue.TerminalHook(func(ctx context.Context, run *domain.Run) {
		if sessions != nil {
			sessions.OnRunTerminal(ctx, run)
		}
	})
	q := queue.New(db, bps, reg, bus, wake, log, time.Minute, onTerminal)
	sessions = sessioncontroller.New(db, q, bus, wake, log, sessioncontroller.RecoveryNone, time.Minute)

	h := New(db, q, reg, bps, sessions, bus, log, pollTimeout, time.Minute)
	r := NewRouter(h, log, nil)
	return &testServer{router: r, db: db}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, time.Second)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp v1.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCreateRunAndGetRun(t *testing.T) {
	s := newTestServer(t, time.Second)

	bpBody := v1.CreateBlueprintRequest{Name: "reviewer", Type: domain.BlueprintAutonomous}
	rec := s.do(t, http.MethodPost, "/agents", bpBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	createBody := v1.CreateRunRequest{
		Type:          domain.RunStart,
		AgentName:     "reviewer",
		Parameters:    map[string]interface{}{"prompt": "review this diff"},
		ExecutionMode: domain.ExecutionSync,
	}
	rec = s.do(t, http.MethodPost, "/runs", createBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var created v1.CreateRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.RunPending, created.Status)
	require.NotEmpty(t, created.RunID)

	rec = s.do(t, http.MethodGet, "/runs/"+created.RunID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, created.RunID, run.RunID)
}

func TestCreateRunRejectsMissingRequiredParameter(t *testing.T) {
	s := newTestServer(t, time.Second)
	body := v1.CreateBlueprintRequest{Name: "reviewer", Type: domain.BlueprintAutonomous}
	rec := s.do(t, http.MethodPost, "/agents", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	createBody := v1.CreateRunRequest{
		Type:          domain.RunStart,
		AgentName:     "reviewer",
		Parameters:    map[string]interface{}{},
		ExecutionMode: domain.ExecutionSync,
	}
	rec = s.do(t, http.MethodPost, "/runs", createBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp v1.ValidationErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.NotEmpty(t, errResp.ValidationErrors)
}

func TestListSessionsAndGetSession(t *testing.T) {
	s := newTestServer(t, time.Second)
	now := time.Now().UTC().Truncate(time.Second)
	s.db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", AgentName: "reviewer", Status: domain.SessionPending, CreatedAt: now, ModifiedAt: now}

	rec := s.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp v1.SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Sessions, 1)
	assert.Equal(t, "ses_1", listResp.Sessions[0].SessionID)

	rec = s.do(t, http.MethodGet, "/sessions/ses_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions/ses_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	s := newTestServer(t, time.Second)
	now := time.Now().UTC()
	s.db.sessions["ses_1"] = &domain.Session{SessionID: "ses_1", CreatedAt: now, ModifiedAt: now}

	rec := s.do(t, http.MethodDelete, "/sessions/ses_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["deleted"])

	rec = s.do(t, http.MethodDelete, "/sessions/ses_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var absentResp v1.AlreadyAbsentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &absentResp))
	assert.True(t, absentResp.AlreadyAbsent)
}

func TestRegisterRunnerAndHeartbeat(t *testing.T) {
	s := newTestServer(t, time.Second)
	regBody := v1.RegisterRunnerRequest{Hostname: "host-a", ProjectDir: "/proj", ExecutorProfile: "default"}
	rec := s.do(t, http.MethodPost, "/runner/register", regBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var regResp v1.RegisterRunnerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))
	require.NotEmpty(t, regResp.RunnerID)

	hbBody := v1.HeartbeatRequest{RunnerID: regResp.RunnerID}
	rec = s.do(t, http.MethodPost, "/runner/heartbeat", hbBody)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetWorkReturnsNoContentOnTimeout(t *testing.T) {
	s := newTestServer(t, 20*time.Millisecond)
	regBody := v1.RegisterRunnerRequest{Hostname: "host-a", ProjectDir: "/proj", ExecutorProfile: "default"}
	rec := s.do(t, http.MethodPost, "/runner/register", regBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var regResp v1.RegisterRunnerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))

	rec = s.do(t, http.MethodGet, "/runner/runs?runner_id="+regResp.RunnerID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetWorkMissingRunnerIDIsBadRequest(t *testing.T) {
	s := newTestServer(t, time.Second)
	rec := s.do(t, http.MethodGet, "/runner/runs", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopRunRejectsTerminalRun(t *testing.T) {
	s := newTestServer(t, time.Second)
	s.db.runs["run_1"] = &domain.Run{RunID: "run_1", Status: domain.RunCompleted}

	rec := s.do(t, http.MethodPost, "/runs/run_1/stop", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBlueprintsAndCreateConflict(t *testing.T) {
	s := newTestServer(t, time.Second)
	body := v1.CreateBlueprintRequest{Name: "reviewer", Type: domain.BlueprintAutonomous}
	rec := s.do(t, http.MethodPost, "/agents", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp v1.BlueprintsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Agents, 1)

	rec = s.do(t, http.MethodPost, "/agents", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeregisterRunnerRejectsUnknownRunner(t *testing.T) {
	s := newTestServer(t, time.Second)
	rec := s.do(t, http.MethodDelete, "/runners/runner_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRunnerUpsertsContributedBlueprints(t *testing.T) {
	s := newTestServer(t, time.Second)
	regBody := v1.RegisterRunnerRequest{
		Hostname: "host-a", ProjectDir: "/proj", ExecutorProfile: "default",
		ContributedBlueprints: []v1.CreateBlueprintRequest{
			{Name: "runner-builder", Type: domain.BlueprintAutonomous},
		},
	}
	rec := s.do(t, http.MethodPost, "/runner/register", regBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var regResp v1.RegisterRunnerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))

	rec = s.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp v1.BlueprintsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Agents, 1)
	assert.True(t, listResp.Agents[0].RunnerOwned)
	require.NotNil(t, listResp.Agents[0].OwnerRunnerID)
	assert.Equal(t, regResp.RunnerID, *listResp.Agents[0].OwnerRunnerID)

	// A runner-owned blueprint cannot be mutated via the API.
	rec = s.do(t, http.MethodPatch, "/agents/runner-builder", v1.UpdateBlueprintRequest{Description: strPtr("nope")})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Self-deregistering removes the contribution entirely.
	rec = s.do(t, http.MethodPost, "/runner/deregister", v1.DeregisterSelfRequest{RunnerID: regResp.RunnerID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Empty(t, listResp.Agents)
}

func TestListBlueprintsHidesRunnerOwnedWhenOwnerOffline(t *testing.T) {
	s := newTestServer(t, time.Second)
	regBody := v1.RegisterRunnerRequest{
		Hostname: "host-a", ProjectDir: "/proj", ExecutorProfile: "default",
		ContributedBlueprints: []v1.CreateBlueprintRequest{
			{Name: "runner-builder", Type: domain.BlueprintAutonomous},
		},
	}
	rec := s.do(t, http.MethodPost, "/runner/register", regBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var regResp v1.RegisterRunnerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))

	// Push the runner's last heartbeat far enough into the past to be offline.
	s.db.runners[regResp.RunnerID].LastHeartbeat = time.Now().Add(-24 * time.Hour)

	rec = s.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp v1.BlueprintsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Empty(t, listResp.Agents, "a runner-owned blueprint must be hidden from listing once its owner is offline")

	// The blueprint still exists and can be fetched directly; only listing hides it.
	rec = s.do(t, http.MethodGet, "/agents/runner-builder", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func strPtr(s string) *string { return &s }
