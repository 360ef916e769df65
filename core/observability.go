package core

import "time"

// TaskExecutionRecord captures a finished task.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	Scheduler  string
	Processer  int
	File       string
	Line       int
	DebugInfo  string
	CreatedAt  time.Time
	FinishedAt time.Time
	Lifetime   time.Duration
	Yields     uint64
	Panicked   bool
}

// ProcesserStats represents runtime observability state for one processer.
type ProcesserStats struct {
	ID          int
	Queued      int
	CurrentTask TaskID
	RunningFor  time.Duration
	Stalled     bool
	Switches    uint64
	Served      uint64
	Started     bool
}

// SchedulerStats represents runtime observability state for a scheduler.
type SchedulerStats struct {
	Name       string
	MinThreads int
	MaxThreads int
	Processers []ProcesserStats

	// Tasks is admitted minus finished; Blocked is the subset parked by Suspend.
	Tasks   int
	Blocked int

	Admitted uint64
	Finished uint64
	Stolen   uint64
	Spawned  uint64

	// CeilingHits counts dispatcher passes that wanted to grow the pool
	// but were already at MaxThreads.
	CeilingHits uint64

	Started bool
	Stopped bool
}

// Stalled returns how many processers are currently stalled.
func (s SchedulerStats) Stalled() int {
	n := 0
	for _, p := range s.Processers {
		if p.Stalled {
			n++
		}
	}
	return n
}

// Queued returns the number of runnable tasks across all processers.
func (s SchedulerStats) Queued() int {
	n := 0
	for _, p := range s.Processers {
		n += p.Queued
	}
	return n
}
