package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(maxAgents int, deadAfter time.Duration) (*Registry, *ids.FakeClock) {
	clock := ids.NewFakeClock(time.Unix(0, 0))
	r := New(Config{
		MaxAgents:           maxAgents,
		HeartbeatInterval:   time.Second,
		HealthCheckInterval: time.Second,
		DeadAfter:           deadAfter,
	}, nil, clock)
	return r, clock
}

func TestRegisterAssignsIDAndDefaults(t *testing.T) {
	r, _ := newTestRegistry(0, 0)

	id, err := r.Register(Descriptor{Name: "worker-a", Kind: types.AgentKindWorker})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	agent, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, agent.Status)
	assert.Equal(t, 1.0, agent.Health)
}

func TestRegisterCapacityExceeded(t *testing.T) {
	r, _ := newTestRegistry(1, 0)

	_, err := r.Register(Descriptor{Name: "first"})
	require.NoError(t, err)

	_, err = r.Register(Descriptor{Name: "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
}

func TestUnregisterRemovesAgent(t *testing.T) {
	r, _ := newTestRegistry(0, 0)
	id, _ := r.Register(Descriptor{Name: "worker-a"})

	require.NoError(t, r.Unregister(id))

	_, err := r.Lookup(id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	r, _ := newTestRegistry(0, 0)
	id, _ := r.Register(Descriptor{Name: "worker-a"})

	require.NoError(t, r.UpdateStatus(id, types.AgentOffline))
	require.NoError(t, r.Heartbeat(id))

	agent, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, agent.Status)
}

func TestListFiltersByStatusAndKind(t *testing.T) {
	r, _ := newTestRegistry(0, 0)
	idA, _ := r.Register(Descriptor{Name: "a", Kind: types.AgentKindWorker})
	idB, _ := r.Register(Descriptor{Name: "b", Kind: types.AgentKindCoordinator})
	require.NoError(t, r.UpdateStatus(idB, types.AgentBusy))

	workers := r.List(Filter{Kind: types.AgentKindWorker})
	require.Len(t, workers, 1)
	assert.Equal(t, idA, workers[0].ID)

	busy := r.List(Filter{Status: types.AgentBusy})
	require.Len(t, busy, 1)
	assert.Equal(t, idB, busy[0].ID)
}

func TestGetMetricsCountsByStatus(t *testing.T) {
	r, _ := newTestRegistry(0, 0)
	idA, _ := r.Register(Descriptor{Name: "a"})
	idB, _ := r.Register(Descriptor{Name: "b"})
	require.NoError(t, r.UpdateStatus(idB, types.AgentOffline))

	m := r.GetMetrics()
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.Idle)
	assert.Equal(t, 1, m.Offline)
	_ = idA
}

type fakeRequeuer struct {
	calls []string
}

func (f *fakeRequeuer) RequeueAgentTasks(agentID string, reason types.FailureClass) {
	f.calls = append(f.calls, agentID)
}

type fakeNotifier struct {
	marked []string
}

func (f *fakeNotifier) MarkStale(agentID string) {
	f.marked = append(f.marked, agentID)
}

func TestSweepDeadAgentsTransitionsOfflineAndNotifies(t *testing.T) {
	r, clock := newTestRegistry(0, 100*time.Millisecond)
	requeuer := &fakeRequeuer{}
	notifier := &fakeNotifier{}
	r.SetTaskRequeuer(requeuer)
	r.SetTopologyNotifier(notifier)

	id, _ := r.Register(Descriptor{Name: "worker-a"})
	clock.Advance(200 * time.Millisecond)

	r.sweepDeadAgents()

	agent, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, agent.Status)
	assert.Contains(t, requeuer.calls, id)
	assert.Contains(t, notifier.marked, id)
}

func TestReleaseTaskUpdatesSuccessRateAndHealth(t *testing.T) {
	r, _ := newTestRegistry(0, 0)
	id, _ := r.Register(Descriptor{Name: "worker-a"})
	require.NoError(t, r.AssignTask(id, "task-1"))

	r.ReleaseTask(id, "task-1", true, true)

	agent, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.Metrics.TasksCompleted)
	assert.Equal(t, 1.0, agent.Metrics.SuccessRate)
	assert.NotContains(t, agent.CurrentTasks, "task-1")
}

func TestAssignTaskMarksBusyAtCapacity(t *testing.T) {
	r, _ := newTestRegistry(0, 0)
	id, _ := r.Register(Descriptor{
		Name: "worker-a",
		Capabilities: types.Capabilities{
			Limits: types.ResourceLimits{MaxConcurrentTasks: 1},
		},
	})

	require.NoError(t, r.AssignTask(id, "task-1"))

	agent, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, agent.Status)
}
