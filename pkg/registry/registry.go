// Package registry implements the agent registry and fleet health loop
// (spec.md §4.1): registration/admission, heartbeat tracking, status
// updates, lookup/listing, and EWMA-based health scoring.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/ids"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/types"
)

// ErrCapacityExceeded is returned by Register when the fleet is full.
var ErrCapacityExceeded = errors.New("CapacityExceeded")

// ErrNotFound is returned when an agent_id is unknown.
var ErrNotFound = errors.New("agent not found")

// ewmaAlpha weights the most recent health sample; spec.md §4.1 specifies
// an exponentially weighted average without pinning a decay constant.
const ewmaAlpha = 0.3

// Descriptor is the caller-supplied shape for Register.
type Descriptor struct {
	Name         string
	Kind         types.AgentKind
	Capabilities types.Capabilities
	Metadata     map[string]string
}

// Filter narrows List results; zero-value fields are wildcards.
type Filter struct {
	Status types.AgentStatus
	Kind   types.AgentKind
}

// StaleConnectionNotifier is implemented by the topology manager so the
// registry can flag an offline agent's edges for the next rebalance
// without the registry importing the topology package directly.
type StaleConnectionNotifier interface {
	MarkStale(agentID string)
}

// TaskRequeuer is implemented by the scheduler so the registry's health
// loop can re-queue (or fail) the in-flight task of a reaped agent.
type TaskRequeuer interface {
	RequeueAgentTasks(agentID string, reason types.FailureClass)
}

// Registry is the C2 Agent Registry component.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent

	maxAgents           int
	heartbeatInterval   time.Duration
	healthCheckInterval time.Duration
	deadAfter           time.Duration

	bus       *events.Broker
	topology  StaleConnectionNotifier
	scheduler TaskRequeuer

	clock ids.Clock

	stopCh  chan struct{}
	started bool
}

// Config configures a Registry, per spec.md §6 configuration surface.
type Config struct {
	MaxAgents           int
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	DeadAfter           time.Duration
}

// New creates a Registry. bus may be nil to disable event publication.
func New(cfg Config, bus *events.Broker, clock ids.Clock) *Registry {
	if clock == nil {
		clock = ids.NewSystemClock()
	}
	return &Registry{
		agents:              make(map[string]*types.Agent),
		maxAgents:           cfg.MaxAgents,
		heartbeatInterval:   cfg.HeartbeatInterval,
		healthCheckInterval: cfg.HealthCheckInterval,
		deadAfter:           cfg.DeadAfter,
		bus:                 bus,
		clock:               clock,
		stopCh:              make(chan struct{}),
	}
}

// SetTopologyNotifier wires the topology manager's stale-connection hook.
func (r *Registry) SetTopologyNotifier(n StaleConnectionNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topology = n
}

// SetTaskRequeuer wires the scheduler's re-queue hook.
func (r *Registry) SetTaskRequeuer(t TaskRequeuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduler = t
}

// Start launches the background health loop.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.healthLoop()
}

// Stop halts the background health loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Register admits a new agent, returning CapacityExceeded once the fleet
// reaches max_agents.
func (r *Registry) Register(d Descriptor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return "", fmt.Errorf("register agent %q: %w", d.Name, ErrCapacityExceeded)
	}

	id := ids.New(ids.KindAgent)
	now := r.clock.Now()
	agent := &types.Agent{
		ID:            id,
		Name:          d.Name,
		Kind:          d.Kind,
		Status:        types.AgentIdle,
		Capabilities:  d.Capabilities,
		Health:        1.0,
		LastHeartbeat: now,
		Connections:   make(map[string]bool),
		CurrentTasks:  make(map[string]bool),
		Metadata:      d.Metadata,
		CreatedAt:     now,
	}
	r.agents[id] = agent
	metrics.AgentsByStatus.WithLabelValues(string(agent.Status)).Inc()
	r.publish(events.TopicAgentRegistered, agent.ID)
	return id, nil
}

// Unregister removes an agent entirely.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister %q: %w", id, ErrNotFound)
	}
	delete(r.agents, id)
	r.mu.Unlock()

	metrics.AgentsByStatus.WithLabelValues(string(agent.Status)).Dec()
	r.publish(events.TopicAgentRemoved, id)
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("heartbeat %q: %w", id, ErrNotFound)
	}
	agent.LastHeartbeat = r.clock.Now()
	if agent.Status == types.AgentOffline {
		r.setStatusLocked(agent, types.AgentIdle)
	}
	metrics.AgentHeartbeatsTotal.Inc()
	return nil
}

// UpdateStatus transitions an agent's lifecycle state.
func (r *Registry) UpdateStatus(id string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("update_status %q: %w", id, ErrNotFound)
	}
	r.setStatusLocked(agent, status)
	return nil
}

func (r *Registry) setStatusLocked(agent *types.Agent, status types.AgentStatus) {
	if agent.Status == status {
		return
	}
	metrics.AgentsByStatus.WithLabelValues(string(agent.Status)).Dec()
	agent.Status = status
	metrics.AgentsByStatus.WithLabelValues(string(agent.Status)).Inc()
}

// Lookup returns a copy of an agent's current state.
func (r *Registry) Lookup(id string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", id, ErrNotFound)
	}
	cp := *agent
	return &cp, nil
}

// List returns agents matching filter; zero-value Filter fields match any.
func (r *Registry) List(filter Filter) []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if filter.Status != "" && agent.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && agent.Kind != filter.Kind {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}
	return out
}

// RegistryMetrics summarizes fleet-wide counters for get_metrics().
type RegistryMetrics struct {
	Total   int
	Idle    int
	Busy    int
	Waiting int
	Offline int
	Error   int
}

// GetMetrics returns fleet-wide counters, per spec.md §4.1 get_metrics().
func (r *Registry) GetMetrics() RegistryMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var m RegistryMetrics
	m.Total = len(r.agents)
	for _, agent := range r.agents {
		switch agent.Status {
		case types.AgentIdle:
			m.Idle++
		case types.AgentBusy:
			m.Busy++
		case types.AgentWaiting:
			m.Waiting++
		case types.AgentOffline:
			m.Offline++
		case types.AgentError:
			m.Error++
		}
	}
	return m
}

// AssignTask records a task assignment against an agent's current load.
func (r *Registry) AssignTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("assign task %q to %q: %w", taskID, agentID, ErrNotFound)
	}
	agent.CurrentTasks[taskID] = true
	if agent.FreeSlots() <= 0 {
		r.setStatusLocked(agent, types.AgentBusy)
	}
	return nil
}

// ReleaseTask removes a task from an agent's in-flight set and records the
// outcome against its rolling metrics and health score.
func (r *Registry) ReleaseTask(agentID, taskID string, succeeded bool, withinLatencyBudget bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	delete(agent.CurrentTasks, taskID)

	if succeeded {
		agent.Metrics.TasksCompleted++
	} else {
		agent.Metrics.TasksFailed++
	}
	total := agent.Metrics.TasksCompleted + agent.Metrics.TasksFailed
	if total > 0 {
		agent.Metrics.SuccessRate = float64(agent.Metrics.TasksCompleted) / float64(total)
	}
	budgetSample := 0.0
	if withinLatencyBudget {
		budgetSample = 1.0
	}
	agent.Metrics.LatencyBudgetMet = ewma(agent.Metrics.LatencyBudgetMet, budgetSample)

	r.recomputeHealthLocked(agent)

	if len(agent.CurrentTasks) < agent.Capabilities.Limits.MaxConcurrentTasks || agent.Capabilities.Limits.MaxConcurrentTasks == 0 {
		if agent.Status == types.AgentBusy {
			r.setStatusLocked(agent, types.AgentIdle)
		}
	}
}

// recomputeHealthLocked folds (success_rate, latency_budget_met,
// heartbeat_freshness) into an EWMA health score, per spec.md §4.1.
func (r *Registry) recomputeHealthLocked(agent *types.Agent) {
	freshness := r.heartbeatFreshness(agent)
	sample := (agent.Metrics.SuccessRate + agent.Metrics.LatencyBudgetMet + freshness) / 3.0
	agent.Health = ewma(agent.Health, sample)
}

func (r *Registry) heartbeatFreshness(agent *types.Agent) float64 {
	if r.deadAfter <= 0 {
		return 1.0
	}
	age := r.clock.Now().Sub(agent.LastHeartbeat)
	freshness := 1.0 - float64(age)/float64(r.deadAfter)
	if freshness < 0 {
		return 0
	}
	if freshness > 1 {
		return 1
	}
	return freshness
}

func ewma(prev, sample float64) float64 {
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

func (r *Registry) healthLoop() {
	interval := r.healthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepDeadAgents()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepDeadAgents() {
	if r.deadAfter <= 0 {
		return
	}
	now := r.clock.Now()

	r.mu.Lock()
	var reaped []*types.Agent
	for _, agent := range r.agents {
		if agent.Status == types.AgentOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > r.deadAfter {
			r.setStatusLocked(agent, types.AgentOffline)
			cp := *agent
			reaped = append(reaped, &cp)
		} else {
			r.recomputeHealthLocked(agent)
		}
	}
	topology := r.topology
	scheduler := r.scheduler
	r.mu.Unlock()

	for _, agent := range reaped {
		metrics.AgentsReapedTotal.Inc()
		if topology != nil {
			topology.MarkStale(agent.ID)
		}
		if scheduler != nil {
			scheduler.RequeueAgentTasks(agent.ID, types.FailureAgentGone)
		}
		r.publish(events.TopicAgentOffline, agent.ID)
	}
}

func (r *Registry) publish(topic events.Topic, agentID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, agentID)
}
