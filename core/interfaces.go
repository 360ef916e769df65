package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// The panicking task is treated as finished.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task
	// - schedulerName: The name of the scheduler owning the task
	// - processerID: The processer that was resuming the task, -1 if unknown
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, schedulerName string, processerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through Logger (the default logger if nil).
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, schedulerName string, processerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	fields := []Field{
		F("scheduler", schedulerName),
		F("processer", processerID),
		F("panic", fmt.Sprint(panicInfo)),
		F("stack", string(stackTrace)),
	}
	if t := taskFromContext(ctx); t != nil {
		fields = append(fields, F("task", t.id.String()), F("task_name", t.name))
	}
	logger.Error("task panicked", fields...)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics receives scheduling events. Implementations can forward them to
// monitoring systems (see observability/prometheus).
//
// Methods should be non-blocking and fast; they run on processer and
// dispatcher goroutines.
type Metrics interface {
	// RecordTaskFinished records a task that ran to completion.
	RecordTaskFinished(schedulerName string, lifetime time.Duration, yields uint64)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(schedulerName string, panicInfo any)

	// RecordTasksStolen records count tasks moved between processers.
	// reason is one of "peer", "stall" or "balance".
	RecordTasksStolen(schedulerName string, reason string, count int)

	// RecordStall records that the dispatcher found a stalled processer.
	RecordStall(schedulerName string, processerID int)

	// RecordProcesserSpawned records growth of the processer pool.
	RecordProcesserSpawned(schedulerName string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskFinished(schedulerName string, lifetime time.Duration, yields uint64) {
}
func (m *NilMetrics) RecordTaskPanic(schedulerName string, panicInfo any)                {}
func (m *NilMetrics) RecordTasksStolen(schedulerName string, reason string, count int) {}
func (m *NilMetrics) RecordStall(schedulerName string, processerID int)                {}
func (m *NilMetrics) RecordProcesserSpawned(schedulerName string)                      {}

// =============================================================================
// Config: Configuration for Scheduler
// =============================================================================

// MaxThreadCeiling bounds the processer count regardless of configuration.
const MaxThreadCeiling = 40960

const (
	defaultDispatchInterval = 10 * time.Millisecond
	defaultStallThreshold   = 100 * time.Millisecond
	defaultGrowthStep       = 1
	defaultBalanceSlack     = 1
	defaultIdleSpin         = 32
	defaultIdleWait         = 20 * time.Millisecond
)

// Config holds configuration options for a Scheduler.
// Zero values and nil handlers are replaced by defaults.
type Config struct {
	// Name labels logs and metrics. Defaults to "scheduler".
	Name string

	// MinThreads and MaxThreads are used by StartFromConfig; 0 means the
	// number of CPUs for MinThreads and MinThreads for MaxThreads.
	MinThreads int
	MaxThreads int

	// DispatchInterval is the dispatcher's polling period.
	DispatchInterval time.Duration

	// StallThreshold is how long a single slice may occupy a processer
	// before the dispatcher treats the processer as stalled.
	StallThreshold time.Duration

	// GrowthStep is the number of processers added when every processer
	// is stalled.
	GrowthStep int

	// BalanceSlack is how far above the mean a processer's load may be
	// before the dispatcher moves tasks away from it. Negative means none.
	BalanceSlack int

	// IdleSpin is the number of scheduler yields an empty processer spends
	// polling before it sleeps; IdleWait bounds that sleep.
	IdleSpin int
	IdleWait time.Duration

	// HistoryCapacity is the number of finished task records kept.
	HistoryCapacity int

	PanicHandler PanicHandler
	Metrics      Metrics
	Logger       Logger
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return (&Config{}).withDefaults()
}

// withDefaults returns a copy of c with zero fields filled in.
func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Name == "" {
		out.Name = "scheduler"
	}
	if out.DispatchInterval <= 0 {
		out.DispatchInterval = defaultDispatchInterval
	}
	if out.StallThreshold <= 0 {
		out.StallThreshold = defaultStallThreshold
	}
	if out.GrowthStep <= 0 {
		out.GrowthStep = defaultGrowthStep
	}
	if out.BalanceSlack < 0 {
		out.BalanceSlack = 0
	} else if out.BalanceSlack == 0 {
		out.BalanceSlack = defaultBalanceSlack
	}
	if out.IdleSpin <= 0 {
		out.IdleSpin = defaultIdleSpin
	}
	if out.IdleWait <= 0 {
		out.IdleWait = defaultIdleWait
	}
	if out.HistoryCapacity <= 0 {
		out.HistoryCapacity = defaultTaskHistoryCapacity
	}
	if out.Logger == nil {
		out.Logger = NewDefaultLogger()
	}
	if out.PanicHandler == nil {
		out.PanicHandler = &DefaultPanicHandler{Logger: out.Logger}
	}
	if out.Metrics == nil {
		out.Metrics = &NilMetrics{}
	}
	return &out
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	var err error
	if c.MinThreads < 0 {
		err = multierr.Append(err, fmt.Errorf("min_threads must be >= 0, got %d", c.MinThreads))
	}
	if c.MaxThreads < 0 {
		err = multierr.Append(err, fmt.Errorf("max_threads must be >= 0, got %d", c.MaxThreads))
	}
	if c.MinThreads > MaxThreadCeiling || c.MaxThreads > MaxThreadCeiling {
		err = multierr.Append(err, fmt.Errorf("thread count must be <= %d", MaxThreadCeiling))
	}
	if c.MinThreads > 0 && c.MaxThreads > 0 && c.MaxThreads < c.MinThreads {
		err = multierr.Append(err, fmt.Errorf("max_threads (%d) must be >= min_threads (%d)", c.MaxThreads, c.MinThreads))
	}
	if c.DispatchInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("dispatch_interval must be >= 0"))
	}
	if c.StallThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("stall_threshold must be >= 0"))
	}
	if c.GrowthStep < 0 {
		err = multierr.Append(err, fmt.Errorf("growth_step must be >= 0, got %d", c.GrowthStep))
	}
	if c.IdleSpin < 0 {
		err = multierr.Append(err, fmt.Errorf("idle_spin must be >= 0, got %d", c.IdleSpin))
	}
	if c.IdleWait < 0 {
		err = multierr.Append(err, fmt.Errorf("idle_wait must be >= 0"))
	}
	if c.HistoryCapacity < 0 {
		err = multierr.Append(err, fmt.Errorf("history_capacity must be >= 0, got %d", c.HistoryCapacity))
	}
	return err
}

// resolveThreadBounds applies the Start rules: min 0 means one per CPU,
// max 0 means min, and both are clamped to [1, MaxThreadCeiling].
func resolveThreadBounds(minThreads, maxThreads int, numCPU int) (int, int) {
	if minThreads <= 0 {
		minThreads = numCPU
	}
	if minThreads < 1 {
		minThreads = 1
	}
	if minThreads > MaxThreadCeiling {
		minThreads = MaxThreadCeiling
	}
	if maxThreads <= 0 || maxThreads < minThreads {
		maxThreads = minThreads
	}
	if maxThreads > MaxThreadCeiling {
		maxThreads = MaxThreadCeiling
	}
	return minThreads, maxThreads
}
