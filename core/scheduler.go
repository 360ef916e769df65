package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSchedulerStopped is returned by Run on a scheduler that was already stopped.
var ErrSchedulerStopped = errors.New("scheduler stopped")

const (
	stealReasonPeer    = "peer"
	stealReasonStall   = "stall"
	stealReasonBalance = "balance"
)

// Scheduler multiplexes tasks onto a pool of processers.
//
// Admission never fails. Work is placed on the least loaded processer (or
// the caller's own processer with TaskOpt.Affinity), processers steal from
// each other when idle, and a dispatcher goroutine rescues work queued
// behind stalled processers, grows the pool when everything is stalled and
// evens out queue lengths.
type Scheduler struct {
	name         string
	cfg          *Config
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler

	// mu guards growth of procs and the stop transition.
	mu         sync.Mutex
	procs      atomic.Pointer[[]*Processer]
	minThreads atomic.Int32
	maxThreads atomic.Int32

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}

	taskCount   atomic.Int64
	blocked     atomic.Int64
	admitted    atomic.Uint64
	finished    atomic.Uint64
	stolen      atomic.Uint64
	spawned     atomic.Uint64
	ceilingHits atomic.Uint64
	rr          atomic.Uint32

	timerMu sync.Mutex
	timer   *Timer

	dispatcher *dispatcher
	history    *taskHistory
}

// NewScheduler creates a stopped scheduler. A nil config uses DefaultConfig.
func NewScheduler(config *Config) *Scheduler {
	cfg := config.withDefaults()
	s := &Scheduler{
		name:         cfg.Name,
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
		stopCh:       make(chan struct{}),
		history:      newTaskHistory(cfg.HistoryCapacity),
	}
	empty := make([]*Processer, 0)
	s.procs.Store(&empty)
	s.dispatcher = newDispatcher(s)
	return s
}

func (s *Scheduler) Name() string { return s.name }

// Config returns the resolved configuration.
func (s *Scheduler) Config() Config { return *s.cfg }

func (s *Scheduler) processers() []*Processer {
	return *s.procs.Load()
}

// Processers returns a snapshot of the processer list.
func (s *Scheduler) Processers() []*Processer {
	procs := s.processers()
	out := make([]*Processer, len(procs))
	copy(out, procs)
	return out
}

func (s *Scheduler) ProcesserCount() int { return len(s.processers()) }

// appendProcesserLocked adds one processer without starting it.
// Caller must hold s.mu.
func (s *Scheduler) appendProcesserLocked() *Processer {
	old := s.processers()
	p := newProcesser(len(old), s)
	next := make([]*Processer, len(old)+1)
	copy(next, old)
	next[len(old)] = p
	s.procs.Store(&next)
	return p
}

// =============================================================================
// Admission
// =============================================================================

// CreateTask admits fn as a new task and returns its ID.
//
// With opt.Affinity, a task created from inside another task of this
// scheduler goes to the creator's processer. Otherwise it goes to the least
// loaded processer that is not stalled, ties broken round-robin. If the
// scheduler has no processer yet, one is created; tasks admitted before
// Start run once Start is called.
func (s *Scheduler) CreateTask(ctx context.Context, fn TaskFunc, opt TaskOpt) TaskID {
	if ctx == nil {
		ctx = context.Background()
	}
	t := newTask(s, ctx, fn, opt)
	s.taskCount.Add(1)
	s.admitted.Add(1)

	if opt.Affinity {
		if cur := taskFromContext(ctx); cur != nil && cur.isRunning() {
			if p := cur.proc.Load(); p != nil && p.sched == s {
				// The owner is busy resuming the caller; no wake needed.
				p.queue.PushBack(t)
				return t.id
			}
		}
	}

	s.pickProcesser().enqueue(t)
	return t.id
}

func (s *Scheduler) pickProcesser() *Processer {
	procs := s.processers()
	if len(procs) == 0 {
		s.mu.Lock()
		if len(s.processers()) == 0 {
			s.appendProcesserLocked()
		}
		s.mu.Unlock()
		procs = s.processers()
	}

	n := len(procs)
	if n == 1 {
		return procs[0]
	}

	now := time.Now()
	start := int(s.rr.Add(1) % uint32(n))
	var best, fallback *Processer
	bestLoad, fallbackLoad := math.MaxInt, math.MaxInt
	for i := range n {
		p := procs[(start+i)%n]
		if p.exited.Load() {
			continue
		}
		load := p.ActiveCount()
		if load < fallbackLoad {
			fallback, fallbackLoad = p, load
		}
		if load < bestLoad && !p.IsStalled(now, s.cfg.StallThreshold) {
			best, bestLoad = p, load
		}
	}
	switch {
	case best != nil:
		return best
	case fallback != nil:
		return fallback
	default:
		// Every worker has exited; the task is counted but never runs.
		return procs[start]
	}
}

// readmit queues a woken task, preferring the processer it last ran on.
func (s *Scheduler) readmit(t *Task) {
	s.blocked.Add(-1)
	p := t.proc.Load()
	if p == nil || p.exited.Load() || p.IsStalled(time.Now(), s.cfg.StallThreshold) {
		p = s.pickProcesser()
	}
	p.enqueue(t)
}

// finish records a completed task. The task count drops last so that a
// caller observing IsEmpty also sees the history and counters.
func (s *Scheduler) finish(t *Task, p *Processer) {
	now := time.Now()
	lifetime := now.Sub(t.createdAt)
	yields := t.yields.Load()

	s.history.Add(TaskExecutionRecord{
		TaskID:     t.id,
		Name:       t.name,
		Scheduler:  s.name,
		Processer:  p.id,
		File:       t.opt.File,
		Line:       t.opt.Line,
		DebugInfo:  t.DebugInfo(),
		CreatedAt:  t.createdAt,
		FinishedAt: now,
		Lifetime:   lifetime,
		Yields:     yields,
		Panicked:   t.panicked,
	})
	s.metrics.RecordTaskFinished(s.name, lifetime, yields)
	t.release()

	s.finished.Add(1)
	s.taskCount.Add(-1)
}

func (s *Scheduler) reportPanic(t *Task, rec any, stack []byte) {
	processerID := -1
	if p := t.proc.Load(); p != nil {
		processerID = p.id
	}
	s.panicHandler.HandlePanic(t.ctx, s.name, processerID, rec, stack)
	s.metrics.RecordTaskPanic(s.name, rec)
}

func (s *Scheduler) recordSteal(reason string, n int) {
	if n <= 0 {
		return
	}
	s.stolen.Add(uint64(n))
	s.metrics.RecordTasksStolen(s.name, reason, n)
}

// busiestPeer returns the processer other than self with the longest queue.
func (s *Scheduler) busiestPeer(self *Processer) *Processer {
	var victim *Processer
	most := 0
	for _, p := range s.processers() {
		if p == self {
			continue
		}
		if n := p.queue.Len(); n > most {
			victim, most = p, n
		}
	}
	return victim
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the processers and the dispatcher. minThreads 0 means one
// processer per CPU, maxThreads 0 means minThreads. When maxThreads is larger
// the pool grows while every processer is stalled. Only the first call has
// any effect.
func (s *Scheduler) Start(minThreads, maxThreads int) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	minN, maxN := resolveThreadBounds(minThreads, maxThreads, runtime.NumCPU())

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		close(s.dispatcher.done)
		s.logger.Warn("start ignored, scheduler already stopped", F("scheduler", s.name))
		return
	}
	s.minThreads.Store(int32(minN))
	s.maxThreads.Store(int32(maxN))
	for len(s.processers()) < minN {
		s.appendProcesserLocked()
	}
	procs := s.processers()
	s.mu.Unlock()

	for _, p := range procs {
		p.start()
	}
	go s.dispatcher.run()

	s.logger.Info("scheduler started",
		F("scheduler", s.name),
		F("min_threads", minN),
		F("max_threads", maxN),
	)
}

// StartFromConfig calls Start with the configured thread bounds.
func (s *Scheduler) StartFromConfig() {
	s.Start(s.cfg.MinThreads, s.cfg.MaxThreads)
}

// Run starts the scheduler and blocks until it is stopped or ctx is done.
// When ctx ends first the scheduler is stopped and ctx.Err() returned.
func (s *Scheduler) Run(ctx context.Context, minThreads, maxThreads int) error {
	if s.IsStop() {
		return ErrSchedulerStopped
	}
	s.Start(minThreads, maxThreads)
	select {
	case <-s.stopCh:
		return nil
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// Stop stops the dispatcher and asks processers to exit once every admitted
// task has finished. Parked tasks that are woken later still run, and so do
// tasks they admit. Stop does not wait, and a task that is never woken keeps
// the processers alive. Tasks admitted from outside after the processers have
// exited are counted but never run. A dedicated timer keeps running so that
// sleeping tasks can still wake; StopAndWait stops it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return
	}
	s.stopped.Store(true)
	close(s.stopCh)
	s.mu.Unlock()

	s.logger.Info("scheduler stopping",
		F("scheduler", s.name),
		F("tasks", s.TaskCount()),
		F("blocked", int(s.blocked.Load())),
	)
}

// StopAndWait stops the scheduler and waits for the dispatcher and all
// started processers to exit, which happens once every admitted task has
// finished. It then stops a dedicated timer if one is used.
func (s *Scheduler) StopAndWait(ctx context.Context) error {
	s.Stop()

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for _, p := range s.processers() {
			if p.started.Load() {
				<-p.done
			}
		}
		if s.started.Load() {
			<-s.dispatcher.done
		}
	}()

	select {
	case <-exited:
	case <-ctx.Done():
		return fmt.Errorf("scheduler %s: waiting for processers: %w", s.name, ctx.Err())
	}

	s.timerMu.Lock()
	tm := s.timer
	s.timerMu.Unlock()
	if tm != nil {
		tm.Stop()
	}
	return nil
}

func (s *Scheduler) IsStop() bool    { return s.stopped.Load() }
func (s *Scheduler) IsStarted() bool { return s.started.Load() }

// grow adds up to n processers without exceeding MaxThreads. It returns the
// started processers, none once the scheduler is stopped or at the ceiling.
func (s *Scheduler) grow(n int) []*Processer {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return nil
	}
	room := int(s.maxThreads.Load()) - len(s.processers())
	if room <= 0 {
		s.mu.Unlock()
		s.ceilingHits.Add(1)
		return nil
	}
	n = min(n, room)
	added := make([]*Processer, 0, n)
	for range n {
		added = append(added, s.appendProcesserLocked())
	}
	total := len(s.processers())
	s.mu.Unlock()

	for _, p := range added {
		p.start()
		s.spawned.Add(1)
		s.metrics.RecordProcesserSpawned(s.name)
	}
	s.logger.Info("processer pool grown",
		F("scheduler", s.name),
		F("added", len(added)),
		F("processers", total),
	)
	return added
}

// =============================================================================
// Introspection
// =============================================================================

// IsCoroutine reports whether ctx belongs to a task that is currently being
// resumed by one of this scheduler's processers.
func (s *Scheduler) IsCoroutine(ctx context.Context) bool {
	t := taskFromContext(ctx)
	return t != nil && t.sched == s && t.isRunning()
}

// TaskCount is the number of admitted tasks that have not finished,
// including blocked ones. It is a snapshot, not synchronized with
// concurrent admission.
func (s *Scheduler) TaskCount() int { return int(s.taskCount.Load()) }

// IsEmpty reports whether every admitted task has finished.
func (s *Scheduler) IsEmpty() bool { return s.TaskCount() == 0 }

// BlockedCount is the number of tasks parked by Suspend.
func (s *Scheduler) BlockedCount() int { return int(s.blocked.Load()) }

// GetCurrentTaskID returns the ID of the running task ctx belongs to, 0
// outside a task.
func (s *Scheduler) GetCurrentTaskID(ctx context.Context) TaskID {
	if !s.IsCoroutine(ctx) {
		return 0
	}
	return taskFromContext(ctx).id
}

// GetCurrentTaskYieldCount returns how many times the current task has
// given up its processer, 0 outside a task.
func (s *Scheduler) GetCurrentTaskYieldCount(ctx context.Context) uint64 {
	if !s.IsCoroutine(ctx) {
		return 0
	}
	return taskFromContext(ctx).yields.Load()
}

// SetCurrentTaskDebugInfo attaches info to the current task; it shows up in
// the execution history. No-op outside a task.
func (s *Scheduler) SetCurrentTaskDebugInfo(ctx context.Context, info string) {
	if !s.IsCoroutine(ctx) {
		return
	}
	taskFromContext(ctx).SetDebugInfo(info)
}

// UseAloneTimerThread gives this scheduler a dedicated timer instead of the
// process-wide one. Must be called before Start; later calls are ignored.
func (s *Scheduler) UseAloneTimerThread() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.started.Load() {
		s.logger.Warn("UseAloneTimerThread ignored, scheduler already started", F("scheduler", s.name))
		return
	}
	if s.timer == nil {
		s.timer = NewTimer()
	}
}

// GetTimer returns the dedicated timer, or the shared one.
func (s *Scheduler) GetTimer() *Timer {
	s.timerMu.Lock()
	tm := s.timer
	s.timerMu.Unlock()
	if tm != nil {
		return tm
	}
	return SharedTimer()
}

// HasAloneTimer reports whether UseAloneTimerThread took effect.
func (s *Scheduler) HasAloneTimer() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.timer != nil
}

// RecentTasks returns up to limit finished tasks, newest first.
func (s *Scheduler) RecentTasks(limit int) []TaskExecutionRecord {
	return s.history.Recent(limit, nil)
}

// RecentTasksOn is RecentTasks restricted to tasks that finished on the
// given processer.
func (s *Scheduler) RecentTasksOn(processerID, limit int) []TaskExecutionRecord {
	return s.history.Recent(limit, func(r *TaskExecutionRecord) bool { return r.Processer == processerID })
}

// RecentPanics returns up to limit recently finished tasks that panicked.
func (s *Scheduler) RecentPanics(limit int) []TaskExecutionRecord {
	return s.history.Recent(limit, func(r *TaskExecutionRecord) bool { return r.Panicked })
}

// LastTask returns the most recently finished task.
func (s *Scheduler) LastTask() (TaskExecutionRecord, bool) {
	return s.history.Last()
}

// Stats returns a snapshot of the scheduler and its processers.
func (s *Scheduler) Stats() SchedulerStats {
	now := time.Now()
	procs := s.processers()
	stats := SchedulerStats{
		Name:        s.name,
		MinThreads:  int(s.minThreads.Load()),
		MaxThreads:  int(s.maxThreads.Load()),
		Processers:  make([]ProcesserStats, 0, len(procs)),
		Tasks:       s.TaskCount(),
		Blocked:     s.BlockedCount(),
		Admitted:    s.admitted.Load(),
		Finished:    s.finished.Load(),
		Stolen:      s.stolen.Load(),
		Spawned:     s.spawned.Load(),
		CeilingHits: s.ceilingHits.Load(),
		Started:     s.started.Load(),
		Stopped:     s.stopped.Load(),
	}
	for _, p := range procs {
		stats.Processers = append(stats.Processers, p.Stats(now, s.cfg.StallThreshold))
	}
	return stats
}
