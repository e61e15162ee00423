package scheduler

import (
	"sort"
	"time"

	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/registry"
	"github.com/cuemby/swarmd/pkg/types"
)

// scheduleLoop periodically drains the ready queue and assigns tasks to
// eligible agents, grounded on the teacher's ticker-driven run()/schedule()
// shape generalized from "reconcile replica count" to "assign ready tasks".
func (s *Scheduler) scheduleLoop() {
	interval := s.cfg.ScheduleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.assignReadyTasks()
		case <-s.stopCh:
			return
		}
	}
}

// assignReadyTasks pops tasks off the ready heap in priority order and
// assigns each to the best eligible agent; tasks that find no eligible
// agent are pushed back for the next cycle.
func (s *Scheduler) assignReadyTasks() {
	if s.agents == nil {
		return
	}

	var deferred []*types.Task
	for {
		task := s.ready.Pop()
		if task == nil {
			break
		}

		s.mu.RLock()
		cur, ok := s.tasks[task.ID]
		s.mu.RUnlock()
		if !ok || cur.Status != types.TaskPending {
			continue
		}

		agent := s.selectAgent(cur)
		if agent == nil {
			deferred = append(deferred, cur)
			continue
		}

		s.assign(cur, agent)
	}

	for _, task := range deferred {
		s.ready.Push(task)
	}
}

func (s *Scheduler) assign(task *types.Task, agent *types.Agent) {
	if err := s.agents.AssignTask(agent.ID, task.ID); err != nil {
		s.ready.Push(task)
		return
	}

	s.markAssigned(task, agent)
	s.markRunning(task)
}

// markAssigned moves a task from pending to assigned the moment an agent
// is chosen for it, per spec.md §4.3's pending->assigned->running state
// machine. This is a distinct, observable status from TaskRunning even
// though nothing currently acks between the two.
func (s *Scheduler) markAssigned(task *types.Task, agent *types.Agent) {
	s.mu.Lock()
	task.AssignedTo = agent.ID
	s.transitionLocked(task, types.TaskAssigned)
	s.mu.Unlock()

	s.publish(events.TopicTaskAssigned, task.ID)
}

// markRunning transitions an assigned task to running once the agent
// actually starts it. There is no separate agent-ack RPC yet, so assign
// calls this immediately after markAssigned; the split keeps the two
// spec states distinct and gives a future ack path a place to hook in.
func (s *Scheduler) markRunning(task *types.Task) {
	s.mu.Lock()
	task.StartedAt = s.clock.Now()
	s.transitionLocked(task, types.TaskRunning)
	s.mu.Unlock()

	metrics.TaskSchedulingLatency.Observe(task.StartedAt.Sub(task.CreatedAt).Seconds())
}

// selectAgent implements the eligibility and scoring rules of
// spec.md §4.3 for the scheduler's configured strategy.
func (s *Scheduler) selectAgent(task *types.Task) *types.Agent {
	candidates := s.eligibleAgents(task)
	if len(candidates) == 0 {
		return nil
	}

	switch s.cfg.Strategy {
	case StrategyRoundRobin:
		return s.pickRoundRobin(candidates)
	case StrategyLeastLoaded:
		return pickLeastLoaded(candidates)
	case StrategyPriorityBased, StrategyCapabilityMatch:
		return pickCapabilityMatch(task, candidates)
	default:
		return pickCapabilityMatch(task, candidates)
	}
}

// eligibleAgents filters by status/free-slots, health floor, and hard
// requirements, per spec.md §4.3. When preemption is enabled and the task
// is high-priority, waiting agents are admitted as candidates too.
func (s *Scheduler) eligibleAgents(task *types.Task) []*types.Agent {
	all := s.agents.List(registry.Filter{})
	out := make([]*types.Agent, 0, len(all))
	boostable := s.cfg.PreemptionEnabled && s.cfg.Strategy == StrategyPriorityBased &&
		(task.Priority == types.PriorityHigh || task.Priority == types.PriorityCritical)

	for _, agent := range all {
		switch agent.Status {
		case types.AgentIdle:
		case types.AgentBusy:
			if agent.FreeSlots() <= 0 {
				continue
			}
		case types.AgentWaiting:
			if !boostable {
				continue
			}
		default:
			continue
		}

		if agent.Health < s.cfg.MinHealth {
			continue
		}
		if !satisfiesHardRequirements(agent, task.Requirements) {
			continue
		}
		out = append(out, agent)
	}
	return out
}

func satisfiesHardRequirements(agent *types.Agent, reqs []types.Requirement) bool {
	for _, r := range reqs {
		if !r.Required {
			continue
		}
		if !agent.Capabilities.Strings[r.Key] {
			return false
		}
	}
	return true
}

func (s *Scheduler) pickRoundRobin(candidates []*types.Agent) *types.Agent {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	s.mu.Lock()
	idx := s.rrCursor % len(candidates)
	s.rrCursor++
	s.mu.Unlock()
	return candidates[idx]
}

func pickLeastLoaded(candidates []*types.Agent) *types.Agent {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Workload < best.Workload {
			best = a
		}
	}
	return best
}

// pickCapabilityMatch maximizes Σ match(capability,requirement)·weight,
// tie-broken by lower workload, per spec.md §4.3.
func pickCapabilityMatch(task *types.Task, candidates []*types.Agent) *types.Agent {
	var best *types.Agent
	var bestScore float64 = -1
	for _, a := range candidates {
		score := matchScore(a, task.Requirements)
		if score > bestScore || (score == bestScore && best != nil && a.Workload < best.Workload) {
			bestScore = score
			best = a
		}
	}
	return best
}

func matchScore(agent *types.Agent, reqs []types.Requirement) float64 {
	var total float64
	for _, r := range reqs {
		var m float64
		if r.Required {
			if agent.Capabilities.Strings[r.Key] {
				m = 1
			}
		} else {
			m = agent.Capabilities.Proficiency[r.Key]
			if m < r.Scalar {
				// below minimum proficiency contributes nothing
				m = 0
			}
		}
		weight := r.Weight
		if weight == 0 {
			weight = 1
		}
		total += m * weight
	}
	return total
}
