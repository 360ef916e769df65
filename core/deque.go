package core

import (
	"sync"
	"sync/atomic"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// TaskDeque is the run queue of one processer.
//
// The owning processer pops from the front and pushes to the back, so tasks
// that yield are resumed round-robin. Peers and the dispatcher steal from the
// back, taking the most recently queued tasks first. All operations run
// under one mutex; Len is an atomic mirror readable without it.
type TaskDeque struct {
	mu    sync.Mutex
	tasks []*Task
	size  atomic.Int32
}

func NewTaskDeque() *TaskDeque {
	return &TaskDeque{
		tasks: make([]*Task, 0, defaultQueueCap),
	}
}

func (q *TaskDeque) PushBack(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	q.size.Store(int32(len(q.tasks)))
}

// PushBackBatch appends ts in order under a single lock acquisition.
func (q *TaskDeque) PushBackBatch(ts []*Task) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, ts...)
	q.size.Store(int32(len(q.tasks)))
}

func (q *TaskDeque) PopFront() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()
	q.size.Store(int32(len(q.tasks)))

	return t, true
}

// StealBack removes up to max tasks from the back of the queue and returns
// them oldest first. max <= 0 takes everything.
func (q *TaskDeque) StealBack(max int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	if n == 0 {
		return nil
	}
	if max <= 0 || max > n {
		max = n
	}

	batch := make([]*Task, max)
	copy(batch, q.tasks[n-max:])

	for i := n - max; i < n; i++ {
		q.tasks[i] = nil
	}
	q.tasks = q.tasks[:n-max]
	q.maybeCompactLocked()
	q.size.Store(int32(len(q.tasks)))

	return batch
}

func (q *TaskDeque) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*Task, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*Task, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

// Len is lock-free and may lag a concurrent push or pop.
func (q *TaskDeque) Len() int {
	return int(q.size.Load())
}

func (q *TaskDeque) IsEmpty() bool {
	return q.Len() == 0
}

// Contains reports whether a task with the given ID is queued.
func (q *TaskDeque) Contains(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.id == id {
			return true
		}
	}
	return false
}

// IDs returns the queued task IDs front to back.
func (q *TaskDeque) IDs() []TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]TaskID, len(q.tasks))
	for i, t := range q.tasks {
		ids[i] = t.id
	}
	return ids
}

func (q *TaskDeque) capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cap(q.tasks)
}
