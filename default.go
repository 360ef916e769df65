package cosched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Swind/go-coroutine-scheduler/core"
)

// =============================================================================
// Default Scheduler Helper (Singleton)
// =============================================================================

const defaultSchedulerName = "default"

var (
	defaultScheduler *Scheduler
	globalMu         sync.Mutex
	exiting          atomic.Bool
)

// Default returns the process-wide scheduler, creating it on first use.
// It is not started; call Start (or InitDefault) once at startup.
func Default() *Scheduler {
	globalMu.Lock()
	defer globalMu.Unlock()

	if defaultScheduler == nil {
		defaultScheduler = core.NewScheduler(&core.Config{Name: defaultSchedulerName})
	}
	return defaultScheduler
}

// InitDefault starts the process-wide scheduler with the given thread
// bounds. Only the first call has any effect.
func InitDefault(minThreads, maxThreads int) *Scheduler {
	s := Default()
	s.Start(minThreads, maxThreads)
	return s
}

// Create returns a new, unstarted scheduler independent of the default one.
// A config without a name gets a unique "scheduler-<id>" name so that logs and
// metrics of several instances stay apart.
func Create(cfg *Config) *Scheduler {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Name == "" {
		c.Name = "scheduler-" + uuid.NewString()[:8]
	}
	return core.NewScheduler(&c)
}

// Go admits fn on the scheduler running the caller when ctx belongs to a
// task, otherwise on the default scheduler.
func Go(ctx context.Context, fn TaskFunc, opt TaskOpt) TaskID {
	s := core.SchedulerFromContext(ctx)
	if s == nil {
		s = Default()
	}
	return s.CreateTask(ctx, fn, opt)
}

// IsExiting reports whether Shutdown has been called.
func IsExiting() bool {
	return exiting.Load()
}

// Shutdown stops the default scheduler, waits for its processers and then
// stops the shared timer. Tasks sleeping on the shared timer are never woken
// afterwards. Meant to be called once, on process exit.
func Shutdown(ctx context.Context) error {
	exiting.Store(true)

	globalMu.Lock()
	s := defaultScheduler
	globalMu.Unlock()

	var err error
	if s != nil {
		err = s.StopAndWait(ctx)
	}
	core.StopSharedTimer()
	return err
}
