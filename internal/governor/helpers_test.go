package governor

import (
	"sort"
	"sync"
	"testing"
	"time"

	"cpufreq-governor/internal/activity"
	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/events"
	"cpufreq-governor/internal/telemetry"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"
)

// manualClock fires AfterFunc callbacks on the stepping goroutine, outside
// its own lock and in deadline order, so callbacks may re-arm timers.
type manualClock struct {
	*testclock.FakeClock

	mu        sync.Mutex
	now       time.Duration
	seq       int
	timers    []*manualTimer
	onAdvance func(time.Duration)
	afterFire func()
}

type manualTimer struct {
	clk     *manualClock
	at      time.Duration
	seq     int
	fn      func()
	active  bool
	channel chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{FakeClock: testclock.NewFakeClock(time.Unix(0, 0))}
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clk: c, at: c.now + d, seq: c.seq, fn: f, active: true, channel: make(chan time.Time)}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) C() <-chan time.Time { return t.channel }

func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.active
	t.clk.seq++
	t.at, t.seq, t.active = t.clk.now+d, t.clk.seq, true
	if !was {
		t.clk.timers = append(t.clk.timers, t)
	}
	return was
}

// Step advances time by d, firing every timer that comes due on the way.
func (c *manualClock) Step(d time.Duration) {
	c.mu.Lock()
	end := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		live := c.timers[:0]
		for _, t := range c.timers {
			if t.active {
				live = append(live, t)
			}
		}
		c.timers = live
		sort.Slice(c.timers, func(i, j int) bool {
			if c.timers[i].at != c.timers[j].at {
				return c.timers[i].at < c.timers[j].at
			}
			return c.timers[i].seq < c.timers[j].seq
		})

		if len(c.timers) == 0 || c.timers[0].at > end {
			delta := end - c.now
			c.now = end
			c.mu.Unlock()
			c.advance(delta)
			return
		}

		next := c.timers[0]
		next.active = false
		delta := next.at - c.now
		if delta < 0 {
			delta = 0
		}
		c.now += delta
		c.mu.Unlock()

		c.advance(delta)
		next.fn()
		if c.afterFire != nil {
			c.afterFire()
		}
	}
}

func (c *manualClock) advance(d time.Duration) {
	if d > 0 {
		c.FakeClock.Step(d)
		if c.onAdvance != nil {
			c.onAdvance(d)
		}
	}
}

var testFrequencies = []uint{200000, 384000, 600000, 800000, 1000000, 1200000, 1400000, 1600000}

type harness struct {
	t      *testing.T
	clk    *manualClock
	act    *activity.FakeClock
	drv    *cpufreq.FakeDriver
	hub    *events.Hub
	rec    *telemetry.Recorder
	gov    *Governor
	policy cpufreq.Policy
}

func newHarness(t *testing.T, cpus []int, configure func(*Options)) *harness {
	t.Helper()

	table, err := cpufreq.NewTable(testFrequencies)
	require.NoError(t, err)
	policy := cpufreq.Policy{ID: "policy0", CPUs: cpus, Table: table}

	h := &harness{
		t:      t,
		clk:    newManualClock(),
		act:    activity.NewFakeClock(cpus...),
		drv:    cpufreq.NewFakeDriver([]cpufreq.Policy{policy}),
		hub:    events.NewHub(),
		rec:    telemetry.NewRecorder(0),
		policy: policy,
	}
	h.clk.onAdvance = h.act.Advance

	opts := Options{
		Clock:     h.clk,
		Activity:  h.act,
		Driver:    h.drv,
		Events:    h.hub,
		Sink:      h.rec,
		DisplayOn: true,
	}
	if configure != nil {
		configure(&opts)
	}

	h.gov, err = New([]GroupSpec{{Name: "little", Policy: policy}}, opts)
	require.NoError(t, err)
	h.clk.afterFire = h.gov.disp.waitIdle
	t.Cleanup(func() { _ = h.gov.Close() })
	return h
}

func (h *harness) group() *Group {
	grp, err := h.gov.Group("little")
	require.NoError(h.t, err)
	return grp
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.group().Start())
}

func (h *harness) step(d time.Duration) {
	h.clk.Step(d)
	h.gov.disp.waitIdle()
}

func (h *harness) current() uint {
	cur, err := h.drv.Current(h.policy.ID)
	require.NoError(h.t, err)
	return cur
}

func (h *harness) unitStatus(id int) UnitStatus {
	for _, u := range h.group().Status().Units {
		if u.Unit == id {
			return u
		}
	}
	h.t.Fatalf("unit %d not found", id)
	return UnitStatus{}
}
