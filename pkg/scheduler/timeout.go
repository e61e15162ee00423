package scheduler

import (
	"time"

	"github.com/cuemby/swarmd/pkg/events"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/types"
)

// timeoutLoop scans running tasks for exceeded deadlines at a resolution
// of at most 100ms, per spec.md §4.3.
func (s *Scheduler) timeoutLoop() {
	interval := s.cfg.TimeoutCheckInterval
	if interval <= 0 || interval > 100*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepTimeouts()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) sweepTimeouts() {
	now := s.clock.Now()

	s.mu.RLock()
	var overdue []*types.Task
	for _, task := range s.tasks {
		if task.Status != types.TaskRunning || task.TimeoutMS <= 0 {
			continue
		}
		deadline := task.StartedAt.Add(time.Duration(task.TimeoutMS) * time.Millisecond)
		if now.After(deadline) {
			overdue = append(overdue, task)
		}
	}
	s.mu.RUnlock()

	for _, task := range overdue {
		s.mu.Lock()
		agentID := task.AssignedTo
		s.transitionLocked(task, types.TaskTimedOut)
		s.mu.Unlock()

		metrics.TasksTimedOutTotal.Inc()
		s.publish(events.TopicTaskTimedOut, task.ID)

		if agentID != "" && s.agents != nil {
			s.agents.ReleaseTask(agentID, task.ID, false, false)
		}
		s.retryOrFail(task, types.FailureRetryable)
	}
}
