package registry

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
)

type fakeStore struct {
	runners map[string]*domain.RunnerRegistration
}

func newFakeStore() *fakeStore {
	return &fakeStore{runners: make(map[string]*domain.RunnerRegistration)}
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

func newTestRegistry(t *testing.T, db *fakeStore, staleAfter, offlineAfter time.Duration) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(db, log, broadcast.New(), staleAfter, offlineAfter)
}

func TestDeriveRunnerIDIsDeterministic(t *testing.T) {
	id1 := DeriveRunnerID("host-a", "/proj", "default")
	id2 := DeriveRunnerID("host-a", "/proj", "default")
	id3 := DeriveRunnerID("host-b", "/proj", "default")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Regexp(t, "^runner_[0-9a-f]{24}$", id1)
}

func TestRegisterReusesDerivedID(t *testing.T) {
	db := newFakeStore()
	r := newTestRegistry(t, db, time.Minute, time.Hour)

	reg1, err := r.Register(context.Background(), "host-a", "/proj", "default", domain.Capabilities{Hostname: "host-a"})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	reg2, err := r.Register(context.Background(), "host-a", "/proj", "default", domain.Capabilities{Hostname: "host-a", Tags: []string{"gpu"}})
	require.NoError(t, err)

	assert.Equal(t, reg1.RunnerID, reg2.RunnerID)
	assert.Equal(t, reg1.RegisteredAt, reg2.RegisteredAt)
	assert.Len(t, db.runners, 1)
	assert.Equal(t, []string{"gpu"}, db.runners[reg2.RunnerID].Capabilities.Tags)
}

func TestHeartbeatReportsDeregistrationFlag(t *testing.T) {
	db := newFakeStore()
	r := newTestRegistry(t, db, time.Minute, time.Hour)
	reg, err := r.Register(context.Background(), "host-a", "/proj", "default", domain.Capabilities{})
	require.NoError(t, err)

	marked, err := r.Heartbeat(context.Background(), reg.RunnerID)
	require.NoError(t, err)
	assert.False(t, marked)

	require.NoError(t, r.MarkForDeregistration(context.Background(), reg.RunnerID))

	marked, err = r.Heartbeat(context.Background(), reg.RunnerID)
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestLivenessThresholds(t *testing.T) {
	db := newFakeStore()
	r := newTestRegistry(t, db, 10*time.Second, time.Minute)
	reg := &domain.RunnerRegistration{RunnerID: "runner_x", LastHeartbeat: time.Now()}

	now := reg.LastHeartbeat
	assert.Equal(t, domain.LivenessOnline, r.Liveness(reg, now))
	assert.Equal(t, domain.LivenessStale, r.Liveness(reg, now.Add(15*time.Second)))
	assert.Equal(t, domain.LivenessOffline, r.Liveness(reg, now.Add(2*time.Minute)))

	assert.True(t, r.IsClaimEligible(reg, now.Add(15*time.Second)))
	assert.False(t, r.IsClaimEligible(reg, now.Add(2*time.Minute)))
}

func TestQueueStopAndDrainStopIntents(t *testing.T) {
	db := newFakeStore()
	r := newTestRegistry(t, db, time.Minute, time.Hour)

	assert.False(t, r.HasStopIntents("runner_x"))
	r.QueueStop("runner_x", "run_1")
	r.QueueStop("runner_x", "run_2")
	assert.True(t, r.HasStopIntents("runner_x"))

	ids := r.DrainStopIntents("runner_x")
	assert.Equal(t, []string{"run_1", "run_2"}, ids)
	assert.False(t, r.HasStopIntents("runner_x"))
	assert.Empty(t, r.DrainStopIntents("runner_x"))
}

func TestDeregisterSelfClearsStopIntents(t *testing.T) {
	db := newFakeStore()
	r := newTestRegistry(t, db, time.Minute, time.Hour)
	reg, err := r.Register(context.Background(), "host-a", "/proj", "default", domain.Capabilities{})
	require.NoError(t, err)
	r.QueueStop(reg.RunnerID, "run_1")

	require.NoError(t, r.DeregisterSelf(context.Background(), reg.RunnerID))

	_, err = r.Get(context.Background(), reg.RunnerID)
	require.Error(t, err)
	assert.False(t, r.HasStopIntents(reg.RunnerID))
}

func TestRequireOnlineWrapsNotFound(t *testing.T) {
	db := newFakeStore()
	r := newTestRegistry(t, db, time.Minute, time.Hour)

	_, err := r.RequireOnline(context.Background(), "runner_missing")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}
