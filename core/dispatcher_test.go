package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingMetrics struct {
	NilMetrics
	mu      sync.Mutex
	stalls  map[int]int
	stolen  map[string]int
	spawned int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{stalls: map[int]int{}, stolen: map[string]int{}}
}

func (m *recordingMetrics) RecordStall(schedulerName string, processerID int) {
	m.mu.Lock()
	m.stalls[processerID]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTasksStolen(schedulerName string, reason string, count int) {
	m.mu.Lock()
	m.stolen[reason] += count
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordProcesserSpawned(schedulerName string) {
	m.mu.Lock()
	m.spawned++
	m.mu.Unlock()
}

func (m *recordingMetrics) stolenFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stolen[reason]
}

type panickingMetrics struct{ NilMetrics }

func (*panickingMetrics) RecordStall(string, int) { panic("metrics backend down") }

func parkedWithMetrics(t *testing.T, name string, n int, m Metrics) *Scheduler {
	t.Helper()
	s := newParkedScheduler(t, name, n)
	s.metrics = m
	return s
}

// TestDispatcher_RescuesStalledQueue verifies work behind a stalled processer moves
// Given: Three processers where the first is pinned by a long slice with 9 tasks queued behind it
// When: The dispatcher runs one pass
// Then: The queue is split across the healthy processers and the pinning task stays put
func TestDispatcher_RescuesStalledQueue(t *testing.T) {
	// Arrange
	m := newRecordingMetrics()
	s := parkedWithMetrics(t, "rescue", 3, m)
	procs := s.Processers()
	blocker := newTask(s, context.Background(), noopTask, TaskOpt{})
	fakeStall(procs[0], blocker, time.Second)
	queued := queueTasks(s, procs[0], 9)

	// Act
	s.dispatcher.pass(time.Now())

	// Assert
	if n := procs[0].QueuedCount(); n != 0 {
		t.Errorf("stalled processer still holds %d tasks", n)
	}
	if procs[0].CurrentTask() != blocker {
		t.Error("pinning task was moved off its processer")
	}
	n1, n2 := procs[1].QueuedCount(), procs[2].QueuedCount()
	if n1+n2 != len(queued) {
		t.Fatalf("healthy processers hold %d+%d tasks, want %d", n1, n2, len(queued))
	}
	if n1 < 4 || n2 < 4 {
		t.Errorf("uneven rescue split %d/%d", n1, n2)
	}
	for _, tk := range queued {
		if !procs[1].Queue().Contains(tk.ID()) && !procs[2].Queue().Contains(tk.ID()) {
			t.Errorf("%s lost during rescue", tk.ID())
		}
	}
	if got := m.stolenFor(stealReasonStall); got != 9 {
		t.Errorf("stolen(stall) = %d, want 9", got)
	}
	if m.stalls[0] != 1 {
		t.Errorf("RecordStall(processer 0) calls = %d, want 1", m.stalls[0])
	}
	if s.Stats().Stolen != 9 {
		t.Errorf("Stats().Stolen = %d, want 9", s.Stats().Stolen)
	}
}

// TestDispatcher_GrowsWhenAllStalled verifies pool growth below the ceiling
// Given: Two stalled processers, room for one more, and work queued behind them
// When: The dispatcher runs one pass
// Then: A third processer is started, takes the queued work and runs it
func TestDispatcher_GrowsWhenAllStalled(t *testing.T) {
	// Arrange
	m := newRecordingMetrics()
	s := parkedWithMetrics(t, "grow", 2, m)
	s.maxThreads.Store(3)
	procs := s.Processers()
	fakeStall(procs[0], newTask(s, context.Background(), noopTask, TaskOpt{}), time.Second)
	fakeStall(procs[1], newTask(s, context.Background(), noopTask, TaskOpt{}), time.Second)
	queueTasks(s, procs[0], 4)
	defer stopAndWait(t, s)

	// Act
	s.dispatcher.pass(time.Now())

	// Assert
	if got := s.ProcesserCount(); got != 3 {
		t.Fatalf("ProcesserCount() = %d, want 3", got)
	}
	if procs[0].QueuedCount() != 0 {
		t.Errorf("stalled processer still holds %d tasks", procs[0].QueuedCount())
	}
	assertEventually(t, 2*time.Second, s.IsEmpty, "rescued tasks did not run on the new processer")
	if got := s.Processers()[2].ServedCount(); got != 4 {
		t.Errorf("new processer served %d tasks, want 4", got)
	}
	if st := s.Stats(); st.Spawned != 1 || st.CeilingHits != 0 {
		t.Errorf("Spawned/CeilingHits = %d/%d, want 1/0", st.Spawned, st.CeilingHits)
	}
	if m.spawned != 1 {
		t.Errorf("RecordProcesserSpawned calls = %d, want 1", m.spawned)
	}
}

// TestDispatcher_AtCeilingLeavesWork verifies nothing moves when growth is impossible
func TestDispatcher_AtCeilingLeavesWork(t *testing.T) {
	s := newParkedScheduler(t, "ceiling", 2)
	procs := s.Processers()
	fakeStall(procs[0], newTask(s, context.Background(), noopTask, TaskOpt{}), time.Second)
	fakeStall(procs[1], newTask(s, context.Background(), noopTask, TaskOpt{}), time.Second)
	queueTasks(s, procs[0], 3)

	s.dispatcher.pass(time.Now())
	s.dispatcher.pass(time.Now())

	if got := s.ProcesserCount(); got != 2 {
		t.Errorf("ProcesserCount() = %d, want 2", got)
	}
	if got := procs[0].QueuedCount(); got != 3 {
		t.Errorf("QueuedCount() = %d, want 3", got)
	}
	if got := s.Stats().CeilingHits; got != 2 {
		t.Errorf("CeilingHits = %d, want 2", got)
	}
}

// TestDispatcher_LoadBalance verifies tasks move from the busiest queue to the idle ones
// Given: Queue lengths 9, 0, 0 and no stalls
// When: The dispatcher runs one pass
// Then: Each processer ends with 3 tasks and the first keeps its oldest three
func TestDispatcher_LoadBalance(t *testing.T) {
	// Arrange
	m := newRecordingMetrics()
	s := parkedWithMetrics(t, "balance", 3, m)
	procs := s.Processers()
	queued := queueTasks(s, procs[0], 9)

	// Act
	s.dispatcher.pass(time.Now())

	// Assert
	for i, p := range procs {
		if p.QueuedCount() != 3 {
			t.Errorf("processer %d holds %d tasks, want 3", i, p.QueuedCount())
		}
	}
	ids := procs[0].Queue().IDs()
	for i := range 3 {
		if ids[i] != queued[i].ID() {
			t.Errorf("processer 0 queue = %v, want the first three admitted tasks", ids)
			break
		}
	}
	if got := m.stolenFor(stealReasonBalance); got != 6 {
		t.Errorf("stolen(balance) = %d, want 6", got)
	}
}

// TestDispatcher_BalanceSlack verifies small imbalances are tolerated
func TestDispatcher_BalanceSlack(t *testing.T) {
	tests := []struct {
		name       string
		loads      []int
		wantLoads  []int
		wantStolen int
	}{
		{"within slack", []int{3, 2}, []int{3, 2}, 0},
		{"beyond slack", []int{4, 0}, []int{2, 2}, 2},
		{"already even", []int{2, 2, 2}, []int{2, 2, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newRecordingMetrics()
			s := parkedWithMetrics(t, "slack", len(tt.loads), m)
			procs := s.Processers()
			for i, n := range tt.loads {
				queueTasks(s, procs[i], n)
			}

			s.dispatcher.pass(time.Now())

			for i, want := range tt.wantLoads {
				if got := procs[i].QueuedCount(); got != want {
					t.Errorf("processer %d load = %d, want %d", i, got, want)
				}
			}
			if got := m.stolenFor(stealReasonBalance); got != tt.wantStolen {
				t.Errorf("stolen(balance) = %d, want %d", got, tt.wantStolen)
			}
		})
	}
}

// TestDispatcher_PassRecoversPanic verifies a failing pass does not kill the dispatcher
func TestDispatcher_PassRecoversPanic(t *testing.T) {
	s := parkedWithMetrics(t, "pass-panic", 2, &panickingMetrics{})
	procs := s.Processers()
	fakeStall(procs[0], newTask(s, context.Background(), noopTask, TaskOpt{}), time.Second)
	queueTasks(s, procs[0], 2)

	s.dispatcher.pass(time.Now())

	if got := s.dispatcher.passes.Load(); got != 0 {
		t.Errorf("passes = %d, want 0 for an abandoned pass", got)
	}
	if got := procs[0].QueuedCount(); got != 2 {
		t.Errorf("QueuedCount() = %d, want 2", got)
	}
}

// TestDispatcher_SkipsUnstartedProcessers verifies lazily created processers are ignored
func TestDispatcher_SkipsUnstartedProcessers(t *testing.T) {
	s := NewScheduler(testConfig("unstarted"))
	s.CreateTask(context.Background(), noopTask, TaskOpt{})

	stalled, actives := s.dispatcher.sample(time.Now())

	if len(stalled) != 0 || len(actives) != 0 {
		t.Errorf("sample() = %d stalled, %d active, want none", len(stalled), len(actives))
	}
}

// TestDispatcher_EndToEndStallRescue verifies queued work escapes a blocking task
// Given: Two processers, and a task that queues children on its own processer and then blocks its goroutine
// When: The children are left to the scheduler
// Then: They all finish on the other processer while the blocker is still stuck
func TestDispatcher_EndToEndStallRescue(t *testing.T) {
	// Arrange
	s := NewScheduler(testConfig("e2e-rescue"))
	s.Start(2, 2)
	defer stopAndWait(t, s)

	const children = 10
	release := make(chan struct{})
	var blockerProc atomic.Int32
	blockerProc.Store(-1)
	var ranOn recorder[int]

	// Act
	s.CreateTask(context.Background(), func(ctx context.Context) {
		blockerProc.Store(int32(CurrentTask(ctx).Processer().ID()))
		for range children {
			s.CreateTask(ctx, func(ctx context.Context) {
				ranOn.add(CurrentTask(ctx).Processer().ID())
			}, TaskOpt{Affinity: true})
		}
		<-release
	}, TaskOpt{Name: "blocker"})

	// Assert
	assertEventually(t, 5*time.Second, func() bool { return ranOn.len() == children }, "children never escaped the blocked processer")
	for _, id := range ranOn.snapshot() {
		if id == int(blockerProc.Load()) {
			t.Errorf("child ran on the blocked processer %d", id)
		}
	}
	assertEventually(t, 2*time.Second, func() bool { return s.TaskCount() == 1 }, "only the blocker should remain")

	close(release)
	assertEventually(t, 2*time.Second, s.IsEmpty, "blocker did not finish")
}

// TestDispatcher_GrowthIsBounded verifies the pool grows to max and no further
// Given: A scheduler started with (2, 4)
// When: Eight tasks block their goroutines
// Then: The pool reaches exactly 4 processers, records ceiling hits and recovers after release
func TestDispatcher_GrowthIsBounded(t *testing.T) {
	// Arrange
	s := NewScheduler(testConfig("bounded"))
	s.Start(2, 4)
	defer stopAndWait(t, s)

	release := make(chan struct{})

	// Act
	for range 8 {
		s.CreateTask(context.Background(), func(ctx context.Context) { <-release }, TaskOpt{})
	}

	// Assert
	assertEventually(t, 5*time.Second, func() bool { return s.ProcesserCount() == 4 }, "pool never grew to max")
	assertEventually(t, 5*time.Second, func() bool { return s.Stats().CeilingHits > 0 }, "ceiling never reached")
	time.Sleep(50 * time.Millisecond)
	if got := s.ProcesserCount(); got != 4 {
		t.Errorf("ProcesserCount() = %d, want 4", got)
	}
	if got := s.Stats().Spawned; got != 2 {
		t.Errorf("Spawned = %d, want 2", got)
	}

	close(release)
	assertEventually(t, 5*time.Second, s.IsEmpty, "tasks did not finish after release")
	if got := s.ProcesserCount(); got != 4 {
		t.Errorf("ProcesserCount() after release = %d, want 4; the pool never shrinks", got)
	}
}
