package governor

import (
	"errors"
	"sort"
	"sync"

	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/telemetry"

	"github.com/sirupsen/logrus"
)

// dispatcher is the single worker that applies group frequencies. Units
// changing their target mark themselves pending; one pass drains a snapshot
// of the pending set and anything marked meanwhile waits for the next pass.
type dispatcher struct {
	gov *Governor

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	mu         sync.Mutex
	cond       *sync.Cond
	pending    map[int]struct{}
	retry      map[int]struct{}
	retryArmed bool
	busy       bool
}

func newDispatcher(g *Governor) *dispatcher {
	d := &dispatcher{
		gov:     g,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[int]struct{}),
		retry:   make(map[int]struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) run(priority int) {
	defer close(d.done)

	if err := setRealtimePriority(priority); err != nil {
		d.gov.logger.WithError(err).WithField("priority", priority).Warn("Failed to raise dispatcher priority")
	}

	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}
		d.drain()
	}
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) mark(id int) {
	d.mu.Lock()
	d.pending[id] = struct{}{}
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.pending = make(map[int]struct{})
	d.busy = true
	d.mu.Unlock()

	sort.Ints(ids)
	for _, id := range ids {
		d.gov.dispatchUnit(id)
	}

	d.mu.Lock()
	d.busy = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

// retryLater re-marks id after the busy retry delay.
func (d *dispatcher) retryLater(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retry[id] = struct{}{}
	if d.retryArmed {
		return
	}
	d.retryArmed = true
	d.gov.clk.AfterFunc(d.gov.busyRetry, d.flushRetry)
}

func (d *dispatcher) flushRetry() {
	d.mu.Lock()
	for id := range d.retry {
		d.pending[id] = struct{}{}
	}
	d.retry = make(map[int]struct{})
	d.retryArmed = false
	d.mu.Unlock()
	d.signal()
}

// waitIdle blocks until no pass is running and nothing is pending. Busy
// retries that have not fired yet do not count as pending.
func (d *dispatcher) waitIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.busy || len(d.pending) > 0 {
		d.cond.Wait()
	}
}

func (d *dispatcher) shutdown() {
	close(d.stop)
	<-d.done
}

// dispatchUnit applies the cluster maximum for the group of unit id. No unit
// lock is held across the driver call.
func (g *Governor) dispatchUnit(id int) {
	u := g.unit(id)
	if u == nil || !u.enableMu.TryRLock() {
		return
	}
	if !u.enabled {
		u.enableMu.RUnlock()
		return
	}
	grp := u.group
	view := grp.clusterView()
	u.enableMu.RUnlock()

	tun := grp.currentTunables()
	if tun == nil {
		return
	}
	freq, capReason := capFrequency(view.MaxTarget, tun.Params(), g.peripherals())

	grp.applyMu.Lock()
	defer grp.applyMu.Unlock()
	if !grp.dispatchable {
		return
	}

	min, max, cur := grp.bounds()
	rounded, ok := grp.policy.Table.Target(freq, min, max, cpufreq.RelationH)
	if !ok || rounded == cur {
		return
	}

	applied, err := g.driver.Apply(g.ctx, cpufreq.Request{
		Policy:   grp.policy.ID,
		Target:   rounded,
		Relation: cpufreq.RelationH,
		Min:      min,
		Max:      max,
	})
	trace := telemetry.Trace{
		Time:      g.clk.Now(),
		Group:     grp.name,
		Unit:      id,
		Target:    view.MaxTarget,
		Current:   cur,
		Candidate: rounded,
		Reason:    capReason,
		Dispatch:  true,
	}
	if err != nil {
		if errors.Is(err, cpufreq.ErrBusy) {
			trace.Outcome = telemetry.OutcomeBusy
			g.sink.Record(trace)
			g.disp.retryLater(id)
			return
		}
		trace.Outcome = telemetry.OutcomeFailed
		trace.Reason = err.Error()
		g.sink.Record(trace)
		g.logger.WithFields(logrus.Fields{
			"group":     grp.name,
			"frequency": rounded,
		}).WithError(err).Warn("Failed to apply frequency")
		return
	}

	grp.setCurrent(applied)
	for _, sibling := range grp.units {
		sibling.targetMu.Lock()
		sibling.hyst.hispeedValidatedAt = view.HispeedValidatedAt
		sibling.targetMu.Unlock()
	}

	trace.Outcome = telemetry.OutcomeSetSpeed
	trace.Current = applied
	g.sink.Record(trace)
}
