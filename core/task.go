package core

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// TaskFunc is the body of a task. The ctx passed in identifies the task and
// must be used for Yield, Suspend and Sleep.
type TaskFunc func(ctx context.Context)

// =============================================================================
// TaskID
// =============================================================================

// TaskID identifies a task for the lifetime of the process. IDs start at 1;
// the zero value means "not a task".
type TaskID uint64

var taskIDSeq atomic.Uint64

// GenerateTaskID returns the next process-unique task ID.
func GenerateTaskID() TaskID {
	return TaskID(taskIDSeq.Add(1))
}

func (id TaskID) IsZero() bool { return id == 0 }

func (id TaskID) String() string {
	return "task-" + strconv.FormatUint(uint64(id), 10)
}

// =============================================================================
// TaskOpt: placement hints consumed at admission
// =============================================================================

type TaskOpt struct {
	// Affinity pins admission to the processer currently running the caller,
	// when the caller is itself a task of the same scheduler.
	Affinity bool

	// StackSize is a hint kept for diagnostics; goroutine stacks grow on demand.
	StackSize int

	// File and Line record where the task was created.
	File string
	Line int

	// Name overrides the name derived from the function symbol.
	Name string
}

// DefaultTaskOpt returns an options value without hints.
func DefaultTaskOpt() TaskOpt {
	return TaskOpt{}
}

// WithCaller returns a copy of opt with File/Line set to the caller of the
// function that calls WithCaller, skip frames further up.
func (opt TaskOpt) WithCaller(skip int) TaskOpt {
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		opt.File = file
		opt.Line = line
	}
	return opt
}

// =============================================================================
// TaskState
// =============================================================================

type TaskState int32

const (
	TaskStateRunnable TaskState = iota
	TaskStateRunning
	// TaskStateRunningWoken: the task asked to block but was woken before its
	// processer parked it. The processer re-queues it instead.
	TaskStateRunningWoken
	TaskStateBlocked
	TaskStateFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskStateRunnable:
		return "runnable"
	case TaskStateRunning:
		return "running"
	case TaskStateRunningWoken:
		return "running_woken"
	case TaskStateBlocked:
		return "blocked"
	case TaskStateFinished:
		return "finished"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

type resumeResult int

const (
	resumeYielded resumeResult = iota
	resumeBlocked
	resumeFinished
)

// =============================================================================
// Task: goroutine-backed execution unit
// =============================================================================

// Task is a schedulable unit of work. The body runs on its own goroutine but
// only while a processer is resuming it: resume and suspend hand control back
// and forth over unbuffered channels, so at most one of {processer, task body}
// is executing at any time.
type Task struct {
	id        TaskID
	name      string
	opt       TaskOpt
	sched     *Scheduler
	createdAt time.Time

	fn  TaskFunc
	ctx context.Context

	state     atomic.Int32
	proc      atomic.Pointer[Processer]
	yields    atomic.Uint64
	debugInfo atomic.Pointer[string]

	// started is only touched by the resuming processer; ownership moves with
	// the task through deque locks.
	started   bool
	resumeCh  chan struct{}
	suspendCh chan resumeResult

	// panicked is written by the task goroutine before it delivers
	// resumeFinished and read by the processer after receiving it.
	panicked bool
}

func newTask(s *Scheduler, parent context.Context, fn TaskFunc, opt TaskOpt) *Task {
	if parent == nil {
		parent = context.Background()
	}
	t := &Task{
		id:        GenerateTaskID(),
		name:      resolveTaskName(fn, opt.Name),
		opt:       opt,
		sched:     s,
		createdAt: time.Now(),
		fn:        fn,
		resumeCh:  make(chan struct{}),
		suspendCh: make(chan resumeResult),
	}
	t.ctx = context.WithValue(context.WithoutCancel(parent), taskKey, t)
	return t
}

func (t *Task) ID() TaskID           { return t.id }
func (t *Task) Name() string         { return t.name }
func (t *Task) Opt() TaskOpt         { return t.opt }
func (t *Task) State() TaskState     { return TaskState(t.state.Load()) }
func (t *Task) YieldCount() uint64   { return t.yields.Load() }
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Processer returns the processer that last resumed the task, nil if it never ran.
func (t *Task) Processer() *Processer { return t.proc.Load() }

func (t *Task) DebugInfo() string {
	if p := t.debugInfo.Load(); p != nil {
		return *p
	}
	return ""
}

func (t *Task) SetDebugInfo(info string) {
	t.debugInfo.Store(&info)
}

func (t *Task) isRunning() bool {
	s := t.State()
	return s == TaskStateRunning || s == TaskStateRunningWoken
}

// resume runs the task until it yields, blocks or finishes.
// Called only by the processer that owns the task.
func (t *Task) resume() resumeResult {
	if !t.started {
		t.started = true
		go t.main()
	} else {
		t.resumeCh <- struct{}{}
	}
	return <-t.suspendCh
}

func (t *Task) main() {
	defer func() {
		if rec := recover(); rec != nil {
			t.panicked = true
			t.sched.reportPanic(t, rec, debug.Stack())
		}
		t.suspendCh <- resumeFinished
	}()

	if t.fn == nil {
		panic(fmt.Sprintf("%s has a nil body", t.id.String()))
	}
	t.fn(t.ctx)
}

// suspend hands control back to the processer with r and waits to be resumed.
func (t *Task) suspend(r resumeResult) {
	t.yields.Add(1)
	t.suspendCh <- r
	<-t.resumeCh
}

// wake re-admits a task parked by Suspend. If the task has not been parked
// yet, the wake is recorded so that the processer re-queues it instead.
func (t *Task) wake() {
	for {
		switch TaskState(t.state.Load()) {
		case TaskStateBlocked:
			if t.state.CompareAndSwap(int32(TaskStateBlocked), int32(TaskStateRunnable)) {
				t.sched.readmit(t)
				return
			}
		case TaskStateRunning:
			if t.state.CompareAndSwap(int32(TaskStateRunning), int32(TaskStateRunningWoken)) {
				return
			}
		default:
			return
		}
	}
}

// release drops references held by a finished task.
func (t *Task) release() {
	t.fn = nil
	t.ctx = nil
}

// =============================================================================
// Context helpers
// =============================================================================

type taskKeyType struct{}

var taskKey taskKeyType

func taskFromContext(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(taskKey).(*Task); ok {
		return v
	}
	return nil
}

// CurrentTask returns the task ctx belongs to, or nil.
func CurrentTask(ctx context.Context) *Task {
	return taskFromContext(ctx)
}

// SchedulerFromContext returns the scheduler owning the task ctx belongs to.
func SchedulerFromContext(ctx context.Context) *Scheduler {
	if t := taskFromContext(ctx); t != nil {
		return t.sched
	}
	return nil
}

// Yield gives the processer a chance to run other tasks. The task is pushed
// to the back of its processer's queue. Outside a task it falls back to
// runtime.Gosched.
//
// Must be called from the task's own goroutine.
func Yield(ctx context.Context) {
	t := taskFromContext(ctx)
	if t == nil || !t.isRunning() {
		runtime.Gosched()
		return
	}
	t.suspend(resumeYielded)
}

// Suspend parks the calling task until the wake function handed to prepare
// is invoked. prepare runs before the task gives up its processer and may
// call wake at any time from any goroutine, including synchronously. Extra
// wake calls are ignored.
//
// Outside a task, Suspend blocks the calling goroutine instead.
func Suspend(ctx context.Context, prepare func(wake func())) {
	var once sync.Once
	t := taskFromContext(ctx)
	if t == nil || !t.isRunning() {
		ch := make(chan struct{})
		prepare(func() { once.Do(func() { close(ch) }) })
		<-ch
		return
	}
	prepare(func() { once.Do(t.wake) })
	t.suspend(resumeBlocked)
}
