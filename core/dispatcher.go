package core

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// dispatcher is the per-scheduler background goroutine. Each pass it:
//  1. samples every processer's load and stall state,
//  2. moves work queued behind stalled processers to healthy ones, growing
//     the pool when none is healthy,
//  3. moves tasks from processers above the mean load to those below it.
type dispatcher struct {
	s      *Scheduler
	done   chan struct{}
	passes atomic.Uint64

	// stallLog throttles stall warnings; a stuck pool would otherwise log
	// on every pass.
	stallLog *rate.Limiter
}

type procSample struct {
	p    *Processer
	load int
}

func newDispatcher(s *Scheduler) *dispatcher {
	return &dispatcher{
		s:        s,
		done:     make(chan struct{}),
		stallLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.s.stopCh:
			return
		case now := <-ticker.C:
			d.pass(now)
		}
	}
}

// pass runs one sampling and balancing round. A panic is logged and the
// round abandoned; the next pass starts from fresh samples.
func (d *dispatcher) pass(now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			d.s.logger.Error("dispatcher pass panicked",
				F("scheduler", d.s.name),
				F("panic", fmt.Sprint(rec)),
			)
		}
	}()

	if d.s.IsStop() {
		return
	}

	stalled, actives := d.sample(now)
	actives = d.dispatchBlocks(stalled, actives)
	d.loadBalance(actives)
	d.passes.Add(1)
}

func (d *dispatcher) sample(now time.Time) (stalled, actives []procSample) {
	threshold := d.s.cfg.StallThreshold
	for _, p := range d.s.processers() {
		if !p.started.Load() {
			continue
		}
		sm := procSample{p: p, load: p.ActiveCount()}
		if p.IsStalled(now, threshold) {
			stalled = append(stalled, sm)
		} else {
			actives = append(actives, sm)
		}
	}
	return stalled, actives
}

// dispatchBlocks empties the queues of stalled processers into healthy ones.
// The task pinning a stalled processer stays where it is. When every
// processer is stalled the pool grows by GrowthStep, up to MaxThreads; at
// the ceiling the queued work is left in place.
func (d *dispatcher) dispatchBlocks(stalled, actives []procSample) []procSample {
	if len(stalled) == 0 {
		return actives
	}

	for _, sm := range stalled {
		d.s.metrics.RecordStall(d.s.name, sm.p.id)
	}
	if d.stallLog.Allow() {
		d.s.logger.Warn("processers stalled",
			F("scheduler", d.s.name),
			F("stalled", len(stalled)),
			F("healthy", len(actives)),
		)
	}

	if len(actives) == 0 {
		for _, p := range d.s.grow(d.s.cfg.GrowthStep) {
			actives = append(actives, procSample{p: p})
		}
	}
	if len(actives) == 0 {
		d.s.logger.Debug("no healthy processer to rescue stalled work", F("scheduler", d.s.name))
		return actives
	}

	for _, sm := range stalled {
		tasks := sm.p.queue.StealBack(0)
		if len(tasks) == 0 {
			continue
		}
		d.distribute(tasks, actives)
		d.s.recordSteal(stealReasonStall, len(tasks))
		d.s.logger.Debug("rescued tasks from stalled processer",
			F("scheduler", d.s.name),
			F("processer", sm.p.id),
			F("tasks", len(tasks)),
		)
	}
	return actives
}

// distribute hands each task to the receiver with the lowest load, then
// pushes one batch per receiver.
func (d *dispatcher) distribute(tasks []*Task, receivers []procSample) {
	batches := make([][]*Task, len(receivers))
	for _, t := range tasks {
		i := lowestLoad(receivers)
		batches[i] = append(batches[i], t)
		receivers[i].load++
	}
	for i, batch := range batches {
		if len(batch) > 0 {
			receivers[i].p.enqueueBatch(batch)
		}
	}
}

// loadBalance moves tasks from processers loaded above mean+BalanceSlack to
// those below the mean. Tasks are taken from the back of a queue: the most
// recently queued ones, furthest from running.
func (d *dispatcher) loadBalance(actives []procSample) {
	if len(actives) < 2 {
		return
	}

	total := 0
	for _, a := range actives {
		total += a.load
	}
	mean := total / len(actives)
	slack := d.s.cfg.BalanceSlack

	var pool []*Task
	for i := range actives {
		a := &actives[i]
		if a.load <= mean+slack {
			continue
		}
		ts := a.p.queue.StealBack(a.load - mean)
		a.load -= len(ts)
		pool = append(pool, ts...)
	}
	if len(pool) == 0 {
		return
	}
	moved := len(pool)

	batches := make([][]*Task, len(actives))
	for i := range actives {
		if len(pool) == 0 {
			break
		}
		need := mean - actives[i].load
		if need <= 0 {
			continue
		}
		take := min(need, len(pool))
		batches[i] = append(batches[i], pool[:take]...)
		pool = pool[take:]
		actives[i].load += take
	}
	for _, t := range pool {
		i := lowestLoad(actives)
		batches[i] = append(batches[i], t)
		actives[i].load++
	}

	for i, batch := range batches {
		if len(batch) > 0 {
			actives[i].p.enqueueBatch(batch)
		}
	}
	d.s.recordSteal(stealReasonBalance, moved)
	d.s.logger.Debug("load balanced",
		F("scheduler", d.s.name),
		F("mean", mean),
		F("moved", moved),
	)
}

func lowestLoad(samples []procSample) int {
	idx, load := 0, math.MaxInt
	for i, sm := range samples {
		if sm.load < load {
			idx, load = i, sm.load
		}
	}
	return idx
}
