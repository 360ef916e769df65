package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-coroutine-scheduler/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "cosched"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// LifetimeBuckets are the histogram buckets, in seconds, for the time
	// from admission to completion. Defaults to prom.DefBuckets.
	LifetimeBuckets []float64

	// YieldBuckets are the histogram buckets for yields per finished task.
	YieldBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	tasksFinishedTotal  *prom.CounterVec
	taskLifetimeSeconds *prom.HistogramVec
	taskYields          *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	tasksStolenTotal    *prom.CounterVec
	stallTotal          *prom.CounterVec
	processersSpawned   *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	lifetimeBuckets := opts.LifetimeBuckets
	if len(lifetimeBuckets) == 0 {
		lifetimeBuckets = prom.DefBuckets
	}
	yieldBuckets := opts.YieldBuckets
	if len(yieldBuckets) == 0 {
		yieldBuckets = prom.ExponentialBuckets(1, 4, 8)
	}

	finishedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks that ran to completion.",
	}, []string{"scheduler"})
	lifetimeVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_lifetime_seconds",
		Help:      "Time from task admission to completion in seconds.",
		Buckets:   lifetimeBuckets,
	}, []string{"scheduler"})
	yieldsVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_yields",
		Help:      "Number of times a finished task gave up its processer.",
		Buckets:   yieldBuckets,
	}, []string{"scheduler"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"scheduler"})
	stolenVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_stolen_total",
		Help:      "Total number of tasks moved between processers.",
	}, []string{"scheduler", "reason"})
	stallVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "processer_stall_total",
		Help:      "Dispatcher passes that found a processer stalled.",
	}, []string{"scheduler"})
	spawnedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "processers_spawned_total",
		Help:      "Processers added by pool growth.",
	}, []string{"scheduler"})

	var err error
	if finishedVec, err = registerCollector(reg, finishedVec); err != nil {
		return nil, err
	}
	if lifetimeVec, err = registerCollector(reg, lifetimeVec); err != nil {
		return nil, err
	}
	if yieldsVec, err = registerCollector(reg, yieldsVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if stolenVec, err = registerCollector(reg, stolenVec); err != nil {
		return nil, err
	}
	if stallVec, err = registerCollector(reg, stallVec); err != nil {
		return nil, err
	}
	if spawnedVec, err = registerCollector(reg, spawnedVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		tasksFinishedTotal:  finishedVec,
		taskLifetimeSeconds: lifetimeVec,
		taskYields:          yieldsVec,
		taskPanicTotal:      panicVec,
		tasksStolenTotal:    stolenVec,
		stallTotal:          stallVec,
		processersSpawned:   spawnedVec,
	}, nil
}

// RecordTaskFinished records a completed task with its lifetime and yield count.
func (m *MetricsExporter) RecordTaskFinished(schedulerName string, lifetime time.Duration, yields uint64) {
	if m == nil {
		return
	}
	name := normalizeLabel(schedulerName, "unknown")
	m.tasksFinishedTotal.WithLabelValues(name).Inc()
	m.taskLifetimeSeconds.WithLabelValues(name).Observe(lifetime.Seconds())
	m.taskYields.WithLabelValues(name).Observe(float64(yields))
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(schedulerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Inc()
}

// RecordTasksStolen records tasks moved between processers.
func (m *MetricsExporter) RecordTasksStolen(schedulerName string, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.tasksStolenTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown"), normalizeLabel(reason, "unknown")).Add(float64(count))
}

// RecordStall records a stalled processer seen by the dispatcher.
func (m *MetricsExporter) RecordStall(schedulerName string, processerID int) {
	if m == nil {
		return
	}
	m.stallTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Inc()
}

// RecordProcesserSpawned records pool growth.
func (m *MetricsExporter) RecordProcesserSpawned(schedulerName string) {
	if m == nil {
		return
	}
	m.processersSpawned.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
