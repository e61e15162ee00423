// Package scheduler implements the task dependency graph and scheduler
// (spec.md §4.3): submission, dependency management, priority-ordered
// assignment, timeout monitoring, and retry with exponential backoff.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/registry"
	"github.com/cuemby/swarmd/pkg/types"
)

// Strategy selects the assignment algorithm of spec.md §4.3.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyPriorityBased   Strategy = "priority-based"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrCapacityFull  = errors.New("TaskBacklogFull")
	ErrCycleDetected = errors.New("CycleDetected")
	ErrTerminalTask  = errors.New("task already terminal")
)

// ResultFormat selects how Results() renders a completed task's output.
type ResultFormat string

const (
	ResultSummary  ResultFormat = "summary"
	ResultDetailed ResultFormat = "detailed"
)

// TaskInput is the caller-supplied shape for Submit.
type TaskInput struct {
	Kind         string
	Name         string
	Description  string
	Priority     types.Priority
	Dependencies []string
	Requirements []types.Requirement
	Input        map[string]any
	TimeoutMS    int64
	MaxRetries   int
	Metadata     map[string]string
}

// Filter narrows List results.
type Filter struct {
	Status types.TaskStatus
	Kind   string
}

// Paging bounds List results.
type Paging struct {
	Offset int
	Limit  int
}

// Config configures a Scheduler, per spec.md §6 configuration surface.
type Config struct {
	MaxTasks             int
	ScheduleInterval      time.Duration
	TimeoutCheckInterval time.Duration
	Strategy             Strategy
	MinHealth            float64
	PreemptionEnabled    bool
	RetryBaseBackoff     time.Duration
	RetryMultiplier      float64
	RetryMaxBackoff      time.Duration
}

// Scheduler is the C4 Task Graph & Scheduler component.
type Scheduler struct {
	mu sync.RWMutex

	tasks      map[string]*types.Task
	dependents map[string]map[string]bool // depID -> tasks waiting on it

	ready *readyHeap

	agents *registry.Registry
	bus    *events.Broker
	clock ids.Clock
	cfg   Config

	rrCursor int

	stopCh  chan struct{}
	started bool
}

// New creates a Scheduler bound to agents (usually a *registry.Registry).
// bus may be nil to disable event publication.
func New(cfg Config, agents *registry.Registry, bus *events.Broker, clock ids.Clock) *Scheduler {
	if clock == nil {
		clock = ids.NewSystemClock()
	}
	if cfg.RetryMultiplier <= 0 {
		cfg.RetryMultiplier = 2.0
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = 200 * time.Millisecond
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 30 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCapabilityMatch
	}
	return &Scheduler{
		tasks:      make(map[string]*types.Task),
		dependents: make(map[string]map[string]bool),
		ready:      newReadyHeap(),
		agents:     agents,
		bus:        bus,
		clock:      clock,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the assignment loop and the timeout monitor loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.scheduleLoop()
	go s.timeoutLoop()
}

// Stop halts both background loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Submit admits a new task, making it immediately ready when it has no
// unmet dependencies.
func (s *Scheduler) Submit(in TaskInput) (string, error) {
	s.mu.Lock()
	if s.cfg.MaxTasks > 0 && len(s.tasks) >= s.cfg.MaxTasks {
		s.mu.Unlock()
		return "", fmt.Errorf("submit task %q: %w", in.Name, ErrCapacityFull)
	}

	id := ids.New(ids.KindTask)
	now := s.clock.Now()
	task := &types.Task{
		ID:           id,
		Kind:         in.Kind,
		Name:         in.Name,
		Description:  in.Description,
		Priority:     in.Priority,
		Dependencies: append([]string{}, in.Dependencies...),
		Requirements: in.Requirements,
		Status:       types.TaskPending,
		Input:        in.Input,
		CreatedAt:    now,
		TimeoutMS:    in.TimeoutMS,
		MaxRetries:   in.MaxRetries,
		Metadata:     in.Metadata,
		SubmitSeq:    s.clock.Tick(),
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	s.tasks[id] = task

	for _, dep := range task.Dependencies {
		if s.dependents[dep] == nil {
			s.dependents[dep] = make(map[string]bool)
		}
		s.dependents[dep][id] = true
	}

	metrics.TasksByStatus.WithLabelValues(string(task.Status)).Inc()

	if s.dependenciesSatisfiedLocked(task) {
		s.ready.Push(task)
	}
	s.mu.Unlock()

	s.publish(events.TopicTaskSubmitted, id)
	return id, nil
}

func (s *Scheduler) dependenciesSatisfiedLocked(task *types.Task) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := s.tasks[dep]
		if !ok || depTask.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// Cancel transitions a task to cancelled from any non-terminal state.
func (s *Scheduler) Cancel(id, reason string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel %q: %w", id, ErrNotFound)
	}
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("cancel %q: %w", id, ErrTerminalTask)
	}

	agentID := task.AssignedTo
	s.ready.Remove(id)
	s.transitionLocked(task, types.TaskCancelled)
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["cancel_reason"] = reason
	s.mu.Unlock()

	if agentID != "" && s.agents != nil {
		s.agents.ReleaseTask(agentID, id, false, false)
	}
	return nil
}

// Status returns a copy of a task's current state.
func (s *Scheduler) Status(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("status %q: %w", id, ErrNotFound)
	}
	cp := *task
	return &cp, nil
}

// List returns tasks matching filter, sorted by created_at ascending and
// bounded by paging.
func (s *Scheduler) List(filter Filter, paging Paging) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && task.Kind != filter.Kind {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if paging.Limit <= 0 {
		return out
	}
	start := paging.Offset
	if start > len(out) {
		start = len(out)
	}
	end := start + paging.Limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end]
}

// AddDeps appends dependencies to a task, rejecting additions that would
// form a cycle.
func (s *Scheduler) AddDeps(id string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("add_deps %q: %w", id, ErrNotFound)
	}

	candidate := append(append([]string{}, task.Dependencies...), deps...)
	if s.wouldCycleLocked(id, candidate) {
		return fmt.Errorf("add_deps %q: %w", id, ErrCycleDetected)
	}

	task.Dependencies = candidate
	for _, dep := range deps {
		if s.dependents[dep] == nil {
			s.dependents[dep] = make(map[string]bool)
		}
		s.dependents[dep][id] = true
	}
	return nil
}

// wouldCycleLocked reports whether task id depending on candidate deps
// would create a cycle in the dependency graph. Callers must hold s.mu.
func (s *Scheduler) wouldCycleLocked(id string, deps []string) bool {
	visited := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		var curDeps []string
		if cur == id {
			curDeps = deps
		} else if t, ok := s.tasks[cur]; ok {
			curDeps = t.Dependencies
		}
		for _, d := range curDeps {
			if dfs(d) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if dfs(d) {
			return true
		}
	}
	return false
}

// RemoveDeps drops dependencies from a task. Removing from a completed
// task is a recorded no-op, per spec.md §4.3.
func (s *Scheduler) RemoveDeps(id string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("remove_deps %q: %w", id, ErrNotFound)
	}
	if task.Status == types.TaskCompleted {
		if task.Metadata == nil {
			task.Metadata = make(map[string]string)
		}
		task.Metadata["remove_deps_noop"] = "true"
		return nil
	}

	remove := make(map[string]bool, len(deps))
	for _, d := range deps {
		remove[d] = true
		if set, ok := s.dependents[d]; ok {
			delete(set, id)
		}
	}
	kept := task.Dependencies[:0]
	for _, d := range task.Dependencies {
		if !remove[d] {
			kept = append(kept, d)
		}
	}
	task.Dependencies = kept

	if s.dependenciesSatisfiedLocked(task) && task.Status == types.TaskPending {
		s.ready.Push(task)
	}
	return nil
}

// ClearDeps removes all dependencies from a task.
func (s *Scheduler) ClearDeps(id string) error {
	s.mu.RLock()
	task, ok := s.tasks[id]
	var deps []string
	if ok {
		deps = append(deps, task.Dependencies...)
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("clear_deps %q: %w", id, ErrNotFound)
	}
	return s.RemoveDeps(id, deps)
}

// ListDeps returns a task's direct dependencies only.
func (s *Scheduler) ListDeps(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("list_deps %q: %w", id, ErrNotFound)
	}
	return append([]string{}, task.Dependencies...), nil
}

// Results renders a task's output in the requested format.
func (s *Scheduler) Results(id string, format ResultFormat) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("results %q: %w", id, ErrNotFound)
	}
	if format == ResultDetailed {
		return map[string]any{
			"task_id":      task.ID,
			"status":       task.Status,
			"output":       task.Output,
			"assigned_to":  task.AssignedTo,
			"retries":      task.Retries,
			"created_at":   task.CreatedAt,
			"started_at":   task.StartedAt,
			"completed_at": task.CompletedAt,
		}, nil
	}
	return map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"output":  task.Output,
	}, nil
}

// Complete marks a running task completed with the given output.
func (s *Scheduler) Complete(id string, output map[string]any) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("complete %q: %w", id, ErrNotFound)
	}
	agentID := task.AssignedTo
	task.Output = output
	task.CompletedAt = s.clock.Now()
	s.transitionLocked(task, types.TaskCompleted)

	ready := s.releaseDependentsLocked(id)
	s.mu.Unlock()

	if agentID != "" && s.agents != nil {
		withinBudget := task.TimeoutMS <= 0 || task.CompletedAt.Sub(task.StartedAt) <= time.Duration(task.TimeoutMS)*time.Millisecond
		s.agents.ReleaseTask(agentID, id, true, withinBudget)
	}
	for _, t := range ready {
		s.ready.Push(t)
	}
	s.publish(events.TopicTaskCompleted, id)
	return nil
}

// releaseDependentsLocked returns the tasks unblocked by id's completion.
// Callers must hold s.mu.
func (s *Scheduler) releaseDependentsLocked(id string) []*types.Task {
	var ready []*types.Task
	for dependentID := range s.dependents[id] {
		dependent, ok := s.tasks[dependentID]
		if !ok || dependent.Status != types.TaskPending {
			continue
		}
		if s.dependenciesSatisfiedLocked(dependent) {
			ready = append(ready, dependent)
		}
	}
	delete(s.dependents, id)
	return ready
}

// Fail reports a non-fatal or fatal failure for a running task, applying
// the spec's retry-with-exponential-backoff rule.
func (s *Scheduler) Fail(id string, class types.FailureClass) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("fail %q: %w", id, ErrNotFound)
	}
	agentID := task.AssignedTo
	s.mu.Unlock()

	if agentID != "" && s.agents != nil {
		s.agents.ReleaseTask(agentID, id, false, false)
	}
	s.retryOrFail(task, class)
	return nil
}

func (s *Scheduler) transitionLocked(task *types.Task, status types.TaskStatus) {
	if task.Status == status {
		return
	}
	metrics.TasksByStatus.WithLabelValues(string(task.Status)).Dec()
	task.Status = status
	metrics.TasksByStatus.WithLabelValues(string(task.Status)).Inc()
}

// retryOrFail applies spec.md §4.3's retry rule: fatal classes and
// exhausted retries move the task to failed; otherwise the task returns
// to pending after an exponential backoff delay.
func (s *Scheduler) retryOrFail(task *types.Task, class types.FailureClass) {
	s.mu.Lock()
	task.FailureClass = class
	if class == types.FailureFatal || task.Retries >= task.MaxRetries {
		s.transitionLocked(task, types.TaskFailed)
		task.CompletedAt = s.clock.Now()
		s.mu.Unlock()
		s.publish(events.TopicTaskFailed, task.ID)
		return
	}
	task.Retries++
	s.transitionLocked(task, types.TaskPending)
	s.mu.Unlock()

	metrics.TasksRetriedTotal.Inc()
	delay := s.backoffFor(task.Retries)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if cur, ok := s.tasks[task.ID]; ok && cur.Status == types.TaskPending && s.dependenciesSatisfiedLocked(cur) {
			s.ready.Push(cur)
		}
		s.mu.Unlock()
	})
}

func (s *Scheduler) backoffFor(retries int) time.Duration {
	backoff := float64(s.cfg.RetryBaseBackoff)
	for i := 1; i < retries; i++ {
		backoff *= s.cfg.RetryMultiplier
	}
	if backoff > float64(s.cfg.RetryMaxBackoff) {
		backoff = float64(s.cfg.RetryMaxBackoff)
	}
	return time.Duration(backoff)
}

// RequeueAgentTasks satisfies registry.TaskRequeuer: when the registry
// reaps a dead agent, its in-flight tasks are retried with the agent_gone
// failure class.
func (s *Scheduler) RequeueAgentTasks(agentID string, reason types.FailureClass) {
	s.mu.RLock()
	var affected []*types.Task
	for _, task := range s.tasks {
		if task.AssignedTo == agentID && !task.Status.IsTerminal() {
			affected = append(affected, task)
		}
	}
	s.mu.RUnlock()

	for _, task := range affected {
		s.retryOrFail(task, reason)
	}
}

func (s *Scheduler) publish(topic events.Topic, taskID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, taskID)
}
