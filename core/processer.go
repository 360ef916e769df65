package core

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Processer is one run queue plus the worker goroutine draining it.
//
// The worker pops a task, resumes it for one slice and files it again
// according to the outcome. While a slice runs, the processer publishes the
// task and its start time so the dispatcher can tell a busy worker from a
// stuck one without touching the queue.
type Processer struct {
	id    int
	sched *Scheduler
	queue *TaskDeque

	wake chan struct{}

	current      atomic.Pointer[Task]
	runningSince atomic.Int64 // unix nanos, 0 while idle
	switches     atomic.Uint64
	served       atomic.Uint64

	started atomic.Bool
	exited  atomic.Bool
	done    chan struct{}
}

func newProcesser(id int, s *Scheduler) *Processer {
	return &Processer{
		id:    id,
		sched: s,
		queue: NewTaskDeque(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (p *Processer) ID() int { return p.id }

// Queue exposes the run queue for inspection.
func (p *Processer) Queue() *TaskDeque { return p.queue }

func (p *Processer) QueuedCount() int { return p.queue.Len() }

// ActiveCount is the number of tasks queued here plus the one being resumed.
func (p *Processer) ActiveCount() int {
	n := p.queue.Len()
	if p.current.Load() != nil {
		n++
	}
	return n
}

// CurrentTask returns the task being resumed, nil while idle.
func (p *Processer) CurrentTask() *Task { return p.current.Load() }

// RunningFor reports how long the current slice has been running.
func (p *Processer) RunningFor(now time.Time) time.Duration {
	since := p.runningSince.Load()
	if since == 0 {
		return 0
	}
	return time.Duration(now.UnixNano() - since)
}

// IsStalled reports whether one slice has occupied the worker for longer
// than threshold.
func (p *Processer) IsStalled(now time.Time, threshold time.Duration) bool {
	since := p.runningSince.Load()
	return since != 0 && now.UnixNano()-since > int64(threshold)
}

func (p *Processer) SwitchCount() uint64 { return p.switches.Load() }
func (p *Processer) ServedCount() uint64 { return p.served.Load() }

func (p *Processer) enqueue(t *Task) {
	p.queue.PushBack(t)
	p.signal()
}

func (p *Processer) enqueueBatch(ts []*Task) {
	p.queue.PushBackBatch(ts)
	p.signal()
}

func (p *Processer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
		// Already signaled; the worker re-checks the queue before sleeping.
	}
}

func (p *Processer) start() {
	if p.started.CompareAndSwap(false, true) {
		go p.loop()
	}
}

func (p *Processer) loop() {
	defer func() {
		p.exited.Store(true)
		close(p.done)
	}()

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	for {
		t := p.next(idle)
		if t == nil {
			return
		}
		p.runTask(t)
	}
}

// next returns the next task to resume, or nil once the scheduler stopped and
// every admitted task has finished. After stop the processer keeps serving
// while tasks are parked or running elsewhere: a woken task or a child
// admitted by a running task may still land on this queue.
func (p *Processer) next(idle *time.Timer) *Task {
	cfg := p.sched.cfg
	spins := 0
	for {
		if t, ok := p.queue.PopFront(); ok {
			return t
		}
		if p.stealFromPeer() {
			continue
		}
		stopping := p.sched.IsStop()
		if stopping && p.sched.taskCount.Load() == 0 {
			return nil
		}
		if spins < cfg.IdleSpin {
			spins++
			runtime.Gosched()
			continue
		}

		idle.Reset(cfg.IdleWait)
		if stopping {
			// stopCh is closed; poll until the last task finishes.
			select {
			case <-p.wake:
			case <-idle.C:
			}
		} else {
			select {
			case <-p.wake:
			case <-p.sched.stopCh:
			case <-idle.C:
			}
		}
		idle.Stop()
		spins = 0
	}
}

// stealFromPeer moves half of the busiest peer's queue here.
func (p *Processer) stealFromPeer() bool {
	victim := p.sched.busiestPeer(p)
	if victim == nil {
		return false
	}
	n := victim.queue.Len()
	if n == 0 {
		return false
	}
	ts := victim.queue.StealBack((n + 1) / 2)
	if len(ts) == 0 {
		return false
	}
	p.queue.PushBackBatch(ts)
	p.sched.recordSteal(stealReasonPeer, len(ts))
	return true
}

func (p *Processer) runTask(t *Task) {
	// A task popped in any other state is queued twice somewhere.
	if !t.state.CompareAndSwap(int32(TaskStateRunnable), int32(TaskStateRunning)) {
		panic(fmt.Sprintf("core: %s popped by processer %d in state %s", t.id, p.id, t.State()))
	}
	t.proc.Store(p)
	p.current.Store(t)
	p.runningSince.Store(time.Now().UnixNano())
	p.switches.Add(1)

	res := t.resume()

	p.runningSince.Store(0)
	p.current.Store(nil)

	switch res {
	case resumeYielded:
		t.state.Store(int32(TaskStateRunnable))
		p.queue.PushBack(t)
	case resumeBlocked:
		if t.state.CompareAndSwap(int32(TaskStateRunning), int32(TaskStateBlocked)) {
			p.sched.blocked.Add(1)
			return
		}
		// Woken before we could park it.
		t.state.Store(int32(TaskStateRunnable))
		p.queue.PushBack(t)
	case resumeFinished:
		t.state.Store(int32(TaskStateFinished))
		p.served.Add(1)
		p.sched.finish(t, p)
	}
}

// Stats returns a point-in-time view of the processer.
func (p *Processer) Stats(now time.Time, threshold time.Duration) ProcesserStats {
	stats := ProcesserStats{
		ID:         p.id,
		Queued:     p.queue.Len(),
		Switches:   p.switches.Load(),
		Served:     p.served.Load(),
		RunningFor: p.RunningFor(now),
		Stalled:    p.IsStalled(now, threshold),
		Started:    p.started.Load(),
	}
	if t := p.current.Load(); t != nil {
		stats.CurrentTask = t.id
	}
	return stats
}
