package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/registry"
	"github.com/cuemby/swarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *registry.Registry, *ids.FakeClock) {
	t.Helper()
	clock := ids.NewFakeClock(time.Unix(0, 0))
	reg := registry.New(registry.Config{}, nil, clock)
	sched := New(cfg, reg, nil, clock)
	return sched, reg, clock
}

func TestSubmitWithNoDepsIsImmediatelyReady(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	id, err := s.Submit(TaskInput{Name: "t1", Priority: types.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ready.Len())

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestSubmitWithUnsatisfiedDepsStaysPending(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	id1, _ := s.Submit(TaskInput{Name: "t1"})
	_, err := s.Submit(TaskInput{Name: "t2", Dependencies: []string{id1}})
	require.NoError(t, err)

	assert.Equal(t, 1, s.ready.Len())
}

func TestCompleteReleasesDependents(t *testing.T) {
	s, reg, _ := newTestScheduler(t, Config{})
	agentID, err := reg.Register(registry.Descriptor{Name: "a1"})
	require.NoError(t, err)

	id1, _ := s.Submit(TaskInput{Name: "t1"})
	id2, _ := s.Submit(TaskInput{Name: "t2", Dependencies: []string{id1}})

	require.NoError(t, reg.AssignTask(agentID, id1))
	s.mu.Lock()
	s.tasks[id1].AssignedTo = agentID
	s.mu.Unlock()

	require.NoError(t, s.Complete(id1, map[string]any{"ok": true}))

	task2, err := s.Status(id2)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task2.Status)
	assert.Equal(t, 2, s.ready.Len())
}

func TestAddDepsRejectsCycle(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	idX, _ := s.Submit(TaskInput{Name: "x"})
	idY, _ := s.Submit(TaskInput{Name: "y"})

	require.NoError(t, s.AddDeps(idX, []string{idY}))
	err := s.AddDeps(idY, []string{idX})
	assert.ErrorIs(t, err, ErrCycleDetected)

	deps, _ := s.ListDeps(idY)
	assert.Empty(t, deps)
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	s, reg, _ := newTestScheduler(t, Config{RetryBaseBackoff: time.Millisecond, RetryMaxBackoff: 10 * time.Millisecond})
	agentID, _ := reg.Register(registry.Descriptor{Name: "a1"})
	id, _ := s.Submit(TaskInput{Name: "t1", MaxRetries: 1})
	s.mu.Lock()
	s.tasks[id].AssignedTo = agentID
	s.tasks[id].Status = types.TaskRunning
	s.mu.Unlock()

	require.NoError(t, s.Fail(id, types.FailureRetryable))

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 1, task.Retries)

	s.mu.Lock()
	s.tasks[id].AssignedTo = agentID
	s.tasks[id].Status = types.TaskRunning
	s.mu.Unlock()

	require.NoError(t, s.Fail(id, types.FailureRetryable))

	task, err = s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
}

func TestFailFatalSkipsRetry(t *testing.T) {
	s, reg, _ := newTestScheduler(t, Config{})
	agentID, _ := reg.Register(registry.Descriptor{Name: "a1"})
	id, _ := s.Submit(TaskInput{Name: "t1", MaxRetries: 5})
	s.mu.Lock()
	s.tasks[id].AssignedTo = agentID
	s.tasks[id].Status = types.TaskRunning
	s.mu.Unlock()

	require.NoError(t, s.Fail(id, types.FailureFatal))

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
}

func TestCancelFromPendingSucceeds(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	id, _ := s.Submit(TaskInput{Name: "t1"})
	require.NoError(t, s.Cancel(id, "no longer needed"))

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)
}

func TestCancelTerminalTaskFails(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	id, _ := s.Submit(TaskInput{Name: "t1"})
	require.NoError(t, s.Cancel(id, "reason"))

	err := s.Cancel(id, "again")
	assert.ErrorIs(t, err, ErrTerminalTask)
}

func TestAssignReadyTasksPicksCapabilityMatch(t *testing.T) {
	s, reg, _ := newTestScheduler(t, Config{Strategy: StrategyCapabilityMatch})
	lowMatch, _ := reg.Register(registry.Descriptor{
		Name: "low",
		Capabilities: types.Capabilities{
			Proficiency: map[string]float64{"coding": 0.2},
			Limits:      types.ResourceLimits{MaxConcurrentTasks: 1},
		},
	})
	highMatch, _ := reg.Register(registry.Descriptor{
		Name: "high",
		Capabilities: types.Capabilities{
			Proficiency: map[string]float64{"coding": 0.9},
			Limits:      types.ResourceLimits{MaxConcurrentTasks: 1},
		},
	})

	id, _ := s.Submit(TaskInput{
		Name:         "t1",
		Requirements: []types.Requirement{{Key: "coding", Scalar: 0.5, Weight: 1}},
	})

	s.assignReadyTasks()

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, highMatch, task.AssignedTo)
	_ = lowMatch
}

func TestAssignPassesThroughAssignedBeforeRunning(t *testing.T) {
	s, reg, _ := newTestScheduler(t, Config{})
	agentID, err := reg.Register(registry.Descriptor{Name: "a1"})
	require.NoError(t, err)
	agent, err := reg.Lookup(agentID)
	require.NoError(t, err)

	id, _ := s.Submit(TaskInput{Name: "t1"})
	s.mu.Lock()
	task := s.tasks[id]
	s.mu.Unlock()

	s.markAssigned(task, agent)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, agentID, task.AssignedTo)

	s.markRunning(task)
	assert.Equal(t, types.TaskRunning, task.Status)
}

func TestRequeueAgentTasksRetriesInFlightWork(t *testing.T) {
	s, reg, _ := newTestScheduler(t, Config{RetryBaseBackoff: time.Millisecond})
	agentID, _ := reg.Register(registry.Descriptor{Name: "a1"})
	id, _ := s.Submit(TaskInput{Name: "t1", MaxRetries: 3})
	s.mu.Lock()
	s.tasks[id].AssignedTo = agentID
	s.tasks[id].Status = types.TaskRunning
	s.mu.Unlock()

	s.RequeueAgentTasks(agentID, types.FailureAgentGone)

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 1, task.Retries)
}

func TestSweepTimeoutsTransitionsOverdueTasks(t *testing.T) {
	s, reg, clock := newTestScheduler(t, Config{})
	agentID, _ := reg.Register(registry.Descriptor{Name: "a1"})
	id, _ := s.Submit(TaskInput{Name: "t1", TimeoutMS: 10})
	s.mu.Lock()
	s.tasks[id].AssignedTo = agentID
	s.tasks[id].Status = types.TaskRunning
	s.tasks[id].StartedAt = clock.Now()
	s.mu.Unlock()

	clock.Advance(50 * time.Millisecond)
	s.sweepTimeouts()

	task, err := s.Status(id)
	require.NoError(t, err)
	assert.NotEqual(t, types.TaskRunning, task.Status)
}
