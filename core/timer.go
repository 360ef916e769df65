package core

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TimerHandle is a scheduled callback that can be canceled before it fires.
type TimerHandle struct {
	RunAt time.Time
	fn    func()
	timer *Timer
	index int // for heap interface, -1 once popped or removed
}

// Cancel removes the callback if it has not fired yet.
func (h *TimerHandle) Cancel() bool {
	if h == nil || h.timer == nil {
		return false
	}
	return h.timer.cancel(h)
}

// timerHeap implements heap.Interface
type timerHeap []*TimerHandle

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].RunAt.Before(h[j].RunAt) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	n := len(*h)
	item := x.(*TimerHandle)
	item.index = n
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *timerHeap) Peek() *TimerHandle {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// Timer runs callbacks at scheduled times from a single goroutine.
// Callbacks run outside the timer lock and should return quickly.
type Timer struct {
	pq      timerHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	ctx     context.Context
	cancelF context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	fired   atomic.Uint64

	// firing is set while the loop goroutine runs a callback.
	firing atomic.Bool
}

func NewTimer() *Timer {
	ctx, cancel := context.WithCancel(context.Background())
	tm := &Timer{
		pq:      make(timerHeap, 0),
		wakeup:  make(chan struct{}, 1),
		ctx:     ctx,
		cancelF: cancel,
		done:    make(chan struct{}),
	}
	heap.Init(&tm.pq)
	go tm.loop()
	return tm
}

// ScheduleAt arranges for fn to run at or after at. After Stop the returned
// handle never fires.
func (tm *Timer) ScheduleAt(at time.Time, fn func()) *TimerHandle {
	h := &TimerHandle{RunAt: at, fn: fn, timer: tm, index: -1}
	if tm.stopped.Load() {
		return h
	}

	tm.mu.Lock()
	heap.Push(&tm.pq, h)
	first := h.index == 0
	tm.mu.Unlock()

	if first {
		select {
		case tm.wakeup <- struct{}{}:
		default:
		}
	}
	return h
}

// ScheduleAfter arranges for fn to run after d.
func (tm *Timer) ScheduleAfter(d time.Duration, fn func()) *TimerHandle {
	return tm.ScheduleAt(time.Now().Add(d), fn)
}

func (tm *Timer) cancel(h *TimerHandle) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if h.index < 0 || h.index >= len(tm.pq) || tm.pq[h.index] != h {
		return false
	}
	heap.Remove(&tm.pq, h.index)
	return true
}

func (tm *Timer) loop() {
	defer close(tm.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		// Calculate next run time
		nextRun := tm.calculateNextRun()
		if nextRun < 0 {
			// No callbacks, wait indefinitely
			nextRun = 1000 * time.Hour
		}

		timer.Reset(nextRun)

		select {
		case <-tm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			tm.processExpired()
		case <-tm.wakeup:
			// New earliest deadline, recalculate
			timer.Stop()
		}
	}
}

// calculateNextRun determines how long to wait until the next callback.
// Returns -1 if nothing is scheduled and 0 if something is already due.
func (tm *Timer) calculateNextRun() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	item := tm.pq.Peek()
	if item == nil {
		return -1
	}

	now := time.Now()
	if !item.RunAt.After(now) {
		return 0
	}
	return item.RunAt.Sub(now)
}

func (tm *Timer) processExpired() {
	tm.mu.Lock()

	now := time.Now()
	var expired []*TimerHandle
	for tm.pq.Len() > 0 {
		item := tm.pq.Peek()
		if item.RunAt.After(now) {
			break
		}
		heap.Pop(&tm.pq)
		expired = append(expired, item)
	}

	tm.mu.Unlock()

	// Fire outside the lock
	for _, item := range expired {
		if tm.stopped.Load() {
			return
		}
		tm.fired.Add(1)
		tm.firing.Store(true)
		item.fn()
		tm.firing.Store(false)
	}
}

// Stop terminates the timer goroutine and drops pending callbacks, including
// the rest of a batch that is already firing. It waits for the goroutine to
// exit unless a callback is running at that moment: a callback may call Stop
// on its own timer, and the goroutine exits once that callback returns.
func (tm *Timer) Stop() {
	if !tm.stopped.CompareAndSwap(false, true) {
		return
	}
	tm.cancelF()
	if !tm.firing.Load() {
		<-tm.done
	}

	tm.mu.Lock()
	for _, h := range tm.pq {
		h.index = -1
	}
	tm.pq = make(timerHeap, 0)
	tm.mu.Unlock()
}

// Len returns the number of pending callbacks.
func (tm *Timer) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pq)
}

// Fired returns the number of callbacks run so far.
func (tm *Timer) Fired() uint64 { return tm.fired.Load() }

func (tm *Timer) IsStopped() bool { return tm.stopped.Load() }

// =============================================================================
// Process-wide timer
// =============================================================================

var (
	sharedTimer     *Timer
	sharedTimerOnce sync.Once
)

// SharedTimer returns the timer used by schedulers that did not call
// UseAloneTimerThread.
func SharedTimer() *Timer {
	sharedTimerOnce.Do(func() {
		sharedTimer = NewTimer()
	})
	return sharedTimer
}

// StopSharedTimer stops the process-wide timer. Meant for process teardown.
func StopSharedTimer() {
	SharedTimer().Stop()
}

// Sleep parks the calling task for at least d using its scheduler's timer,
// leaving its processer free for other tasks. Outside a task it is
// time.Sleep. If the timer is stopped while the task sleeps, the task is not
// woken.
func Sleep(ctx context.Context, d time.Duration) {
	t := taskFromContext(ctx)
	if t == nil || !t.isRunning() {
		time.Sleep(d)
		return
	}
	if d <= 0 {
		Yield(ctx)
		return
	}
	tm := t.sched.GetTimer()
	Suspend(ctx, func(wake func()) {
		tm.ScheduleAfter(d, wake)
	})
}
