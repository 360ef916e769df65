package prometheus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Swind/go-coroutine-scheduler/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// SchedulerSnapshotProvider provides current scheduler stats snapshots.
// *core.Scheduler satisfies it.
type SchedulerSnapshotProvider interface {
	Stats() core.SchedulerStats
}

var _ SchedulerSnapshotProvider = (*core.Scheduler)(nil)

// SnapshotPoller periodically exports scheduler Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	schedulersMu sync.RWMutex
	schedulers   map[string]SchedulerSnapshotProvider

	tasks      *prom.GaugeVec
	blocked    *prom.GaugeVec
	queued     *prom.GaugeVec
	processers *prom.GaugeVec
	stalled    *prom.GaugeVec
	running    *prom.GaugeVec

	procQueued  *prom.GaugeVec
	procStalled *prom.GaugeVec
	procSlice   *prom.GaugeVec

	stateMu sync.Mutex
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: defaultNamespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	p := &SnapshotPoller{
		interval:   interval,
		schedulers: make(map[string]SchedulerSnapshotProvider),

		tasks:      gauge("scheduler_tasks", "Admitted tasks not yet finished, blocked included.", "scheduler"),
		blocked:    gauge("scheduler_blocked", "Tasks parked by Suspend or Sleep.", "scheduler"),
		queued:     gauge("scheduler_queued", "Tasks waiting in processer run queues.", "scheduler"),
		processers: gauge("scheduler_processers", "Processer count.", "scheduler"),
		stalled:    gauge("scheduler_stalled_processers", "Processers whose current slice exceeds the stall threshold.", "scheduler"),
		running:    gauge("scheduler_running", "Scheduler state (1=started and not stopped, 0=otherwise).", "scheduler"),

		procQueued:  gauge("processer_queued", "Run queue length per processer.", "scheduler", "processer"),
		procStalled: gauge("processer_stalled", "Processer stall state (1=stalled, 0=healthy).", "scheduler", "processer"),
		procSlice:   gauge("processer_slice_seconds", "Time the current slice has been running.", "scheduler", "processer"),
	}

	for _, vec := range []**prom.GaugeVec{
		&p.tasks, &p.blocked, &p.queued, &p.processers, &p.stalled, &p.running,
		&p.procQueued, &p.procStalled, &p.procSlice,
	} {
		registered, err := registerCollector(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

// AddScheduler adds or replaces a scheduler snapshot provider by name.
func (p *SnapshotPoller) AddScheduler(name string, provider SchedulerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "scheduler")
	p.schedulersMu.Lock()
	p.schedulers[name] = provider
	p.schedulersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.active {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.active = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.active {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.active = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.schedulersMu.RLock()
	defer p.schedulersMu.RUnlock()

	for name, provider := range p.schedulers {
		stats := provider.Stats()
		p.tasks.WithLabelValues(name).Set(float64(stats.Tasks))
		p.blocked.WithLabelValues(name).Set(float64(stats.Blocked))
		p.queued.WithLabelValues(name).Set(float64(stats.Queued()))
		p.processers.WithLabelValues(name).Set(float64(len(stats.Processers)))
		p.stalled.WithLabelValues(name).Set(float64(stats.Stalled()))
		p.running.WithLabelValues(name).Set(boolGauge(stats.Started && !stats.Stopped))

		for _, ps := range stats.Processers {
			id := strconv.Itoa(ps.ID)
			p.procQueued.WithLabelValues(name, id).Set(float64(ps.Queued))
			p.procStalled.WithLabelValues(name, id).Set(boolGauge(ps.Stalled))
			p.procSlice.WithLabelValues(name, id).Set(ps.RunningFor.Seconds())
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
