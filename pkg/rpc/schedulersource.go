package rpc

import (
	"github.com/cuemby/swarmd/pkg/scheduler"
	"github.com/cuemby/swarmd/pkg/types"
)

// SchedulerTaskSource adapts pkg/scheduler.Scheduler to the rpc.TaskSource
// interface consumed by tasks/status and tasks/cancel.
type SchedulerTaskSource struct {
	Scheduler *scheduler.Scheduler
}

func viewOf(t *types.Task) TaskView {
	return TaskView{
		TaskID:      t.ID,
		Status:      string(t.Status),
		AssignedTo:  t.AssignedTo,
		Output:      t.Output,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// StatusView returns the single-task projection for tasks/status.
func (s *SchedulerTaskSource) StatusView(taskID string) (TaskView, error) {
	t, err := s.Scheduler.Status(taskID)
	if err != nil {
		return TaskView{}, err
	}
	return viewOf(t), nil
}

// ListViews returns every known task, for tasks/status with no taskId.
func (s *SchedulerTaskSource) ListViews() []TaskView {
	tasks := s.Scheduler.List(scheduler.Filter{}, scheduler.Paging{})
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	return out
}

// Cancel delegates to the scheduler's Cancel operation.
func (s *SchedulerTaskSource) Cancel(taskID, reason string) error {
	return s.Scheduler.Cancel(taskID, reason)
}

var _ TaskSource = (*SchedulerTaskSource)(nil)
