package governor

import (
	"time"

	"cpufreq-governor/internal/telemetry"
	"cpufreq-governor/internal/tunables"
)

// nextWindow returns the next evaluation deadline. Aligned windows start on
// multiples of interval so every unit samples in phase.
func nextWindow(lastEval, now, interval time.Duration, align bool) time.Duration {
	if align && interval > 0 {
		return (lastEval/interval + 1) * interval
	}
	return now + interval
}

// resched starts a new sample window and arms the unit's timers.
func (g *Governor) resched(u *unit) {
	p := u.group.params()
	displayOn := g.displayOn.Load()
	min, _, _ := u.group.bounds()

	u.loadMu.Lock()
	now := g.resetLoad(u)
	deadline := nextWindow(u.lastEvalAt, now, p.Interval(displayOn), p.AlignWindows)
	u.loadMu.Unlock()

	withSlack := displayOn && p.SlackEnabled() && u.target() > min
	g.arm(u, deadline, now, p, withSlack)
}

func (g *Governor) arm(u *unit, deadline, now time.Duration, p tunables.Params, withSlack bool) {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()

	u.stopTimersLocked()
	u.gen++
	gen := u.gen
	u.armed = true
	u.deadline = deadline

	delay := deadline - now
	if delay < 0 {
		delay = 0
	}
	u.primary = g.clk.AfterFunc(delay, func() { g.onTimer(u, gen) })
	if withSlack {
		u.slack = g.clk.AfterFunc(delay+p.TimerSlack, func() { g.onSlack(u, gen) })
	}
}

func (u *unit) stopTimersLocked() {
	if u.primary != nil {
		u.primary.Stop()
		u.primary = nil
	}
	if u.slack != nil {
		u.slack.Stop()
		u.slack = nil
	}
}

// cancelTimers stops both timers. Callbacks already running see a new
// generation and do nothing.
func (u *unit) cancelTimers() {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	u.stopTimersLocked()
	u.gen++
	u.armed = false
}

func (u *unit) timerPending() bool {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	return u.armed
}

// overdue reports whether the pending primary deadline has passed.
func (u *unit) overdue(now time.Duration) bool {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	return u.armed && now >= u.deadline
}

// claim consumes the timer generation gen. It fails for stale callbacks.
func (u *unit) claim(gen uint64) bool {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	if gen != u.gen || !u.armed {
		return false
	}
	u.stopTimersLocked()
	u.gen++
	u.armed = false
	return true
}

func (g *Governor) onTimer(u *unit, gen uint64) {
	if !u.claim(gen) {
		return
	}
	g.evaluate(u)
}

// onSlack runs an evaluation whose primary deadline was missed.
func (g *Governor) onSlack(u *unit, gen uint64) {
	if !u.overdue(g.activity.Now()) {
		return
	}
	if !u.claim(gen) {
		return
	}
	g.evaluate(u)
}

// rearm arms the timer unless one is already pending.
func (g *Governor) rearm(u *unit) {
	if u.timerPending() {
		return
	}
	g.resched(u)
}

// evaluate runs one sample and decision for u if it is enabled.
func (g *Governor) evaluate(u *unit) {
	if !u.enableMu.TryRLock() {
		return
	}
	defer u.enableMu.RUnlock()
	if !u.enabled {
		return
	}
	g.evaluateLocked(u)
}

// evaluateLocked is called with enableMu read-held and u enabled.
func (g *Governor) evaluateLocked(u *unit) {
	grp := u.group
	min, max, cur := grp.bounds()
	tun := grp.currentTunables()
	if tun == nil {
		return
	}
	if min == max {
		g.rearm(u)
		return
	}

	u.loadMu.Lock()
	now, err := g.updateLoad(u, cur)
	if err != nil {
		u.loadMu.Unlock()
		g.record(u, verdict{Outcome: telemetry.OutcomeFailed, Reason: "activity: " + err.Error()}, 0, cur)
		g.rearm(u)
		return
	}
	elapsed := now - u.accumStamp
	accum := u.accum
	u.lastEvalAt = now
	u.loadMu.Unlock()

	if elapsed <= 0 || cur == 0 {
		g.rearm(u)
		return
	}

	p := tun.Params()
	adj := loadAdjFreq(accum, elapsed)
	in := decision{
		Now:               now,
		Cur:               cur,
		Min:               min,
		Max:               max,
		LoadAdjFreq:       adj,
		Load:              adj / cur,
		Hispeed:           p.Hispeed(g.displayOn.Load()),
		GoHispeedLoad:     p.GoHispeedLoad,
		MinSampleTime:     p.MinSampleTime,
		SamplingDown:      p.SamplingDownFactor,
		AboveHispeedDelay: tun.AboveHispeedDelay(cur),
		TargetLoads:       tun.TargetLoads(),
		Table:             grp.policy.Table,
	}

	u.targetMu.Lock()
	v := decide(in, &u.hyst)
	target := u.hyst.target
	u.targetMu.Unlock()

	g.record(u, v, in.Load, cur)

	switch v.Outcome {
	case telemetry.OutcomeTarget:
		g.disp.mark(u.id)
		fallthrough
	case telemetry.OutcomeAlready:
		// Saturated units wait for idle exit or a raised ceiling.
		if target == max {
			return
		}
	}
	g.rearm(u)
}

// idleStart re-evaluates soon a unit that goes idle above the group minimum
// so it cannot hold its siblings up.
func (g *Governor) idleStart(u *unit) {
	if !u.enableMu.TryRLock() {
		return
	}
	defer u.enableMu.RUnlock()
	if !u.enabled {
		return
	}

	now := g.activity.Now()
	u.targetMu.Lock()
	target := u.hyst.target
	u.targetMu.Unlock()

	min, _, _ := u.group.bounds()
	if target == min || u.timerPending() {
		return
	}

	// Only the entry that re-arms the timer starts a sampling-down hold.
	u.targetMu.Lock()
	u.hyst.lastIdleEnteredAt = now
	u.targetMu.Unlock()
	u.loadMu.Lock()
	u.lastEvalAt = now
	u.loadMu.Unlock()
	g.resched(u)
}

// idleEnd arms a suppressed timer or runs an overdue evaluation at once.
func (g *Governor) idleEnd(u *unit) {
	if !u.enableMu.TryRLock() {
		return
	}
	defer u.enableMu.RUnlock()
	if !u.enabled {
		return
	}

	if !u.timerPending() {
		g.resched(u)
		return
	}
	if u.overdue(g.activity.Now()) {
		u.cancelTimers()
		g.evaluateLocked(u)
	}
}
