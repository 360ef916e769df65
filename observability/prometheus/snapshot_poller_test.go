package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/Swind/go-coroutine-scheduler/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type schedulerStub struct {
	stats core.SchedulerStats
}

func (s schedulerStub) Stats() core.SchedulerStats { return s.stats }

func TestSnapshotPoller_CollectsSchedulerStats(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddScheduler("sched-a", schedulerStub{stats: core.SchedulerStats{
		Tasks:   9,
		Blocked: 2,
		Started: true,
		Processers: []core.ProcesserStats{
			{ID: 0, Queued: 3, Stalled: true, RunningFor: 2 * time.Second},
			{ID: 1, Queued: 4},
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		tasks := testutil.ToFloat64(poller.tasks.WithLabelValues("sched-a"))
		queued := testutil.ToFloat64(poller.queued.WithLabelValues("sched-a"))
		return tasks == 9 && queued == 7
	})

	if got := testutil.ToFloat64(poller.blocked.WithLabelValues("sched-a")); got != 2 {
		t.Fatalf("blocked gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(poller.processers.WithLabelValues("sched-a")); got != 2 {
		t.Fatalf("processers gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(poller.stalled.WithLabelValues("sched-a")); got != 1 {
		t.Fatalf("stalled gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.running.WithLabelValues("sched-a")); got != 1 {
		t.Fatalf("running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.procStalled.WithLabelValues("sched-a", "0")); got != 1 {
		t.Fatalf("processer 0 stalled gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.procSlice.WithLabelValues("sched-a", "0")); got != 2 {
		t.Fatalf("processer 0 slice gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(poller.procQueued.WithLabelValues("sched-a", "1")); got != 4 {
		t.Fatalf("processer 1 queued gauge = %v, want 4", got)
	}
}

func TestSnapshotPoller_RealScheduler(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}
	s := core.NewScheduler(&core.Config{Name: "live", Logger: core.NewNoOpLogger()})
	s.Start(3, 3)
	defer s.Stop()
	poller.AddScheduler(s.Name(), s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(poller.processers.WithLabelValues("live")) == 3
	})
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()
}

func TestSnapshotPoller_SharedRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewSnapshotPoller(reg, time.Second)
	if err != nil {
		t.Fatalf("first NewSnapshotPoller failed: %v", err)
	}
	second, err := NewSnapshotPoller(reg, time.Second)
	if err != nil {
		t.Fatalf("second NewSnapshotPoller failed: %v", err)
	}
	if first.tasks != second.tasks {
		t.Error("second poller did not reuse the registered gauges")
	}
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
