package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

// testConfig returns a fast-ticking, silent config for tests.
func testConfig(name string) *Config {
	return &Config{
		Name:             name,
		DispatchInterval: 2 * time.Millisecond,
		StallThreshold:   30 * time.Millisecond,
		IdleWait:         2 * time.Millisecond,
		Logger:           NewNoOpLogger(),
	}
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func stopAndWait(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StopAndWait(ctx); err != nil {
		t.Fatalf("StopAndWait() error = %v", err)
	}
}

// newParkedScheduler builds a scheduler with n processers that look started
// to the dispatcher but have no worker goroutine, so queue contents stay put
// while a test drives dispatcher passes by hand.
func newParkedScheduler(t *testing.T, name string, n int) *Scheduler {
	t.Helper()
	s := NewScheduler(testConfig(name))
	s.mu.Lock()
	for range n {
		p := s.appendProcesserLocked()
		p.started.Store(true)
		close(p.done)
	}
	s.minThreads.Store(int32(n))
	s.maxThreads.Store(int32(n))
	s.mu.Unlock()
	return s
}

func noopTask(ctx context.Context) {}

// queueTasks pushes n fresh tasks onto p without waking anything.
func queueTasks(s *Scheduler, p *Processer, n int) []*Task {
	ts := make([]*Task, 0, n)
	for range n {
		t := newTask(s, context.Background(), noopTask, TaskOpt{})
		s.taskCount.Add(1)
		ts = append(ts, t)
	}
	p.queue.PushBackBatch(ts)
	return ts
}

// fakeStall makes p look like it has been resuming t for age.
func fakeStall(p *Processer, t *Task, age time.Duration) {
	t.state.Store(int32(TaskStateRunning))
	t.proc.Store(p)
	p.current.Store(t)
	p.runningSince.Store(time.Now().Add(-age).UnixNano())
}

// recorder collects values from concurrently running tasks.
type recorder[T any] struct {
	mu   sync.Mutex
	vals []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.vals))
	copy(out, r.vals)
	return out
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vals)
}
