package scheduler

import (
	"container/heap"
	"sync"

	"github.com/cuemby/swarmd/pkg/types"
)

// readyQueue orders pending, dependency-satisfied tasks by
// (priority_numeric desc, submission_time asc), per spec.md §4.3. Unlike
// the teacher's anti-starvation TaskQueue, this ordering is strict: the
// spec calls for no aging compensation.
type readyQueue []*types.Task

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	pi, pj := q[i].Priority.Numeric(), q[j].Priority.Numeric()
	if pi != pj {
		return pi > pj
	}
	if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	}
	return q[i].SubmitSeq < q[j].SubmitSeq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x interface{}) {
	*q = append(*q, x.(*types.Task))
}

func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[0 : n-1]
	return item
}

// readyHeap is a thread-safe wrapper around readyQueue.
type readyHeap struct {
	mu sync.Mutex
	q  readyQueue
}

func newReadyHeap() *readyHeap {
	return &readyHeap{q: make(readyQueue, 0)}
}

func (h *readyHeap) Push(t *types.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heap.Push(&h.q, t)
}

func (h *readyHeap) Pop() *types.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.q) == 0 {
		return nil
	}
	return heap.Pop(&h.q).(*types.Task)
}

func (h *readyHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.q)
}

// Remove drops a task by id, if present (used by cancel()).
func (h *readyHeap) Remove(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, t := range h.q {
		if t.ID == taskID {
			heap.Remove(&h.q, i)
			return true
		}
	}
	return false
}
