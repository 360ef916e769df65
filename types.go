package cosched

import "github.com/Swind/go-coroutine-scheduler/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the cosched package for most use cases.

// Scheduler multiplexes tasks onto a pool of processers
type Scheduler = core.Scheduler

// Task is a schedulable unit of work
type Task = core.Task

// TaskFunc is the body of a task
type TaskFunc = core.TaskFunc

// TaskID identifies a task; zero means "not a task"
type TaskID = core.TaskID

// TaskOpt carries admission hints
type TaskOpt = core.TaskOpt

// Config holds scheduler settings
type Config = core.Config

// SchedulerStats is a point-in-time view of a scheduler
type SchedulerStats = core.SchedulerStats

// TaskExecutionRecord describes a finished task
type TaskExecutionRecord = core.TaskExecutionRecord

// ErrSchedulerStopped is returned by Run on a stopped scheduler
var ErrSchedulerStopped = core.ErrSchedulerStopped

// NewScheduler creates a scheduler that is not yet started.
func NewScheduler(cfg *Config) *Scheduler {
	return core.NewScheduler(cfg)
}

// Task-side helpers
var (
	Yield       = core.Yield
	Suspend     = core.Suspend
	Sleep       = core.Sleep
	CurrentTask = core.CurrentTask

	DefaultConfig  = core.DefaultConfig
	DefaultTaskOpt = core.DefaultTaskOpt
	LoadConfigFile = core.LoadConfigFile
)
