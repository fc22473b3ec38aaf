package governor

import (
	"errors"
	"testing"
	"time"

	"cpufreq-governor/internal/activity"
	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/events"
	"cpufreq-governor/internal/telemetry"
	"cpufreq-governor/internal/tunables"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 60 * time.Millisecond

func lastTrace(t *testing.T, rec *telemetry.Recorder, outcome telemetry.Outcome) telemetry.Trace {
	t.Helper()
	traces := rec.Traces()
	for i := len(traces) - 1; i >= 0; i-- {
		if traces[i].Outcome == outcome {
			return traces[i]
		}
	}
	t.Fatalf("no %s trace recorded", outcome)
	return telemetry.Trace{}
}

func TestGoHispeedJump(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	h.act.SetBusy(0, 1)

	h.step(window)

	assert.Equal(t, uint(384000), h.current())
	assert.Equal(t, uint(384000), h.unitStatus(0).Target)

	tr := lastTrace(t, h.rec, telemetry.OutcomeTarget)
	assert.Equal(t, uint(100), tr.Load)
	assert.Equal(t, uint(200000), tr.Current)
	assert.Equal(t, uint(384000), tr.Candidate)

	set := lastTrace(t, h.rec, telemetry.OutcomeSetSpeed)
	assert.Equal(t, uint(384000), set.Current)
}

func TestClimbsToMaxAndSuppressesTimer(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	h.act.SetBusy(0, 1)

	want := []uint{384000, 600000, 800000, 1000000, 1200000, 1600000}
	for i, freq := range want {
		h.step(window)
		require.Equal(t, freq, h.current(), "window %d", i+1)
	}
	assert.False(t, h.unitStatus(0).TimerArmed, "saturated unit keeps no timer")

	applied := len(h.drv.Applied())
	h.step(10 * window)
	assert.Len(t, h.drv.Applied(), applied)
}

func TestAppliedFrequencyIsClusterMax(t *testing.T) {
	h := newHarness(t, []int{0, 1}, nil)
	h.start()
	h.act.SetBusy(0, 1)
	h.act.SetBusy(1, 0.3)

	for i := 0; i < 12; i++ {
		if i == 6 {
			h.act.SetBusy(0, 0)
		}
		h.step(window)

		var max uint
		for _, u := range h.group().Status().Units {
			if u.Target > max {
				max = u.Target
			}
		}
		require.Equal(t, max, h.current(), "window %d", i+1)
	}

	u0, u1 := h.gov.unit(0), h.gov.unit(1)
	u0.targetMu.Lock()
	hvt0 := u0.hyst.hispeedValidatedAt
	u0.targetMu.Unlock()
	u1.targetMu.Lock()
	hvt1 := u1.hyst.hispeedValidatedAt
	u1.targetMu.Unlock()
	assert.Equal(t, hvt0, hvt1, "siblings share the hispeed validation time")
}

func TestUnchangedTargetIsNotReapplied(t *testing.T) {
	h := newHarness(t, []int{0, 1}, nil)
	h.start()
	h.act.SetBusy(0, 1)

	for i := 0; i < 8; i++ {
		h.step(window)
	}
	applied := h.drv.Applied()
	require.NotEmpty(t, applied)
	for i := 1; i < len(applied); i++ {
		assert.NotEqual(t, applied[i-1].Target, applied[i].Target)
	}

	h.gov.disp.mark(0)
	h.gov.disp.mark(1)
	h.gov.disp.waitIdle()
	h.gov.disp.mark(0)
	h.gov.disp.waitIdle()
	assert.Len(t, h.drv.Applied(), len(applied))
}

func TestBusyDriverIsRetried(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	h.act.SetBusy(0, 1)
	h.drv.FailBusy(1)

	h.step(window)
	assert.Equal(t, uint(200000), h.current())
	assert.Equal(t, 1, h.rec.Count(telemetry.OutcomeBusy))

	h.step(DefaultBusyRetry)
	assert.Equal(t, uint(384000), h.current())
}

func TestDriverFailureIsTransient(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	h.act.SetBusy(0, 1)
	h.drv.FailWith(errors.New("write scaling_setspeed: permission denied"))

	h.step(window)
	assert.Equal(t, uint(200000), h.current())
	assert.Equal(t, 1, h.rec.Count(telemetry.OutcomeFailed))
	assert.True(t, h.unitStatus(0).TimerArmed)

	h.drv.FailWith(nil)
	h.step(window)
	assert.Equal(t, uint(384000), h.current())
}

func TestActivityFailureRearms(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	h.act.FailWith(errors.New("stat unavailable"))

	h.step(window)
	assert.Equal(t, 1, h.rec.Count(telemetry.OutcomeFailed))
	assert.True(t, h.unitStatus(0).TimerArmed)
}

func TestStopDrainsAndDisables(t *testing.T) {
	h := newHarness(t, []int{0, 1}, nil)
	h.start()
	h.act.SetBusy(0, 1)
	h.step(2 * window)
	require.Equal(t, 1, h.hub.Subscribers())

	grp := h.group()
	require.NoError(t, grp.Stop())
	assert.Equal(t, StateStopped, grp.State())
	for _, u := range grp.Status().Units {
		assert.False(t, u.Enabled)
		assert.Zero(t, u.Target)
		assert.False(t, u.TimerArmed)
	}
	assert.Zero(t, h.hub.Subscribers())

	applied, traces := len(h.drv.Applied()), len(h.rec.Traces())
	h.hub.Publish(events.Event{Kind: events.KindIdle, On: false, Unit: 0})
	h.step(20 * window)
	assert.Len(t, h.drv.Applied(), applied)
	assert.Len(t, h.rec.Traces(), traces)

	assert.ErrorIs(t, grp.Stop(), ErrInvalidTransition)
	assert.ErrorIs(t, grp.SetLimits(200000, 800000), ErrInvalidTransition)
	_, err := grp.Tunables()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRestartReusesTunables(t *testing.T) {
	h := newHarness(t, []int{0, 1}, nil)
	h.start()
	grp := h.group()

	first, err := grp.Tunables()
	require.NoError(t, err)
	_, err = first.Set(tunables.KeyHispeedFreq, "600000")
	require.NoError(t, err)

	require.NoError(t, grp.Stop())
	assert.Zero(t, h.gov.cache.RefCount("0-1"))

	require.NoError(t, grp.Start())
	second, err := grp.Tunables()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, h.gov.cache.RefCount("0-1"))
	assert.Equal(t, 1, grp.Status().RefCount)

	v, err := second.Get(tunables.KeyHispeedFreq)
	require.NoError(t, err)
	assert.Equal(t, "600000", v)

	assert.ErrorIs(t, grp.Start(), ErrInvalidTransition)
}

func TestLimits(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	grp := h.group()

	require.NoError(t, grp.SetLimits(200000, 600000))
	h.act.SetBusy(0, 1)
	h.step(window)
	h.step(window)
	require.Equal(t, uint(600000), h.current())
	assert.False(t, h.unitStatus(0).TimerArmed, "suppressed at the ceiling")

	require.NoError(t, grp.SetLimits(200000, 1600000))
	assert.True(t, h.unitStatus(0).TimerArmed, "raised ceiling rearms")
	h.step(window)
	assert.Equal(t, uint(800000), h.current())

	require.NoError(t, grp.SetLimits(200000, 384000))
	assert.Equal(t, uint(384000), h.current())
	assert.Equal(t, uint(384000), h.unitStatus(0).Target)

	assert.Error(t, grp.SetLimits(800000, 600000))
	assert.Error(t, grp.SetLimits(1700000, 1800000))
}

func TestPinnedGroupSkipsEvaluation(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	require.NoError(t, h.group().SetLimits(600000, 600000))
	assert.Equal(t, uint(600000), h.current())

	h.act.SetBusy(0, 1)
	h.step(5 * window)
	assert.Zero(t, h.rec.Count(telemetry.OutcomeTarget))
	assert.True(t, h.unitStatus(0).TimerArmed)
}

func TestIdleEventsRearmSuppressedTimer(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	require.NoError(t, h.group().SetLimits(200000, 600000))
	h.act.SetBusy(0, 1)
	h.step(2 * window)
	require.False(t, h.unitStatus(0).TimerArmed)

	h.hub.Publish(events.Event{Kind: events.KindIdle, On: true, Unit: 0})
	assert.True(t, h.unitStatus(0).TimerArmed, "idle entry above min re-evaluates")

	h.step(window)
	require.False(t, h.unitStatus(0).TimerArmed)
	assert.Equal(t, 1, h.rec.Count(telemetry.OutcomeAlready))

	h.hub.Publish(events.Event{Kind: events.KindIdle, On: false, Unit: 0})
	assert.True(t, h.unitStatus(0).TimerArmed, "idle exit rearms")

	// Unknown units are ignored.
	h.hub.Publish(events.Event{Kind: events.KindIdle, On: true, Unit: 42})
}

func TestSamplingDownReleasesAfterLoadDrops(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	tun, err := h.group().Tunables()
	require.NoError(t, err)
	_, err = tun.Set(tunables.KeySamplingDownFactor, "1")
	require.NoError(t, err)

	h.act.SetBusy(0, 1)
	h.step(6 * window)
	require.Equal(t, uint(1600000), h.current())
	require.True(t, h.unitStatus(0).TimerArmed)

	u := h.gov.unit(0)
	u.targetMu.Lock()
	entered := u.hyst.lastIdleEnteredAt
	u.targetMu.Unlock()
	h.hub.Publish(events.Event{Kind: events.KindIdle, On: true, Unit: 0})
	u.targetMu.Lock()
	assert.Equal(t, entered, u.hyst.lastIdleEnteredAt, "idle entry with a pending timer starts no hold")
	u.targetMu.Unlock()

	h.act.SetBusy(0, 0.05)
	for i := 0; i < 100; i++ {
		h.hub.Publish(events.Event{Kind: events.KindIdle, On: true, Unit: 0})
		h.step(20 * time.Millisecond)
	}
	assert.Less(t, h.current(), uint(1600000))
}

func TestPeripheralCaps(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.start()
	h.act.SetBusy(0, 1)
	h.step(6 * window)
	require.Equal(t, uint(1600000), h.current())

	publish := func(kind events.Kind, on bool) {
		h.hub.Publish(events.Event{Kind: kind, On: on})
		h.gov.disp.waitIdle()
	}

	publish(events.KindDisplay, false)
	assert.Equal(t, uint(600000), h.current())
	assert.Equal(t, "screen_off", lastTrace(t, h.rec, telemetry.OutcomeSetSpeed).Reason)

	publish(events.KindEarphones, true)
	assert.Equal(t, uint(1000000), h.current())

	publish(events.KindEarphones, false)
	publish(events.KindBluetooth, true)
	assert.Equal(t, uint(1200000), h.current())

	publish(events.KindDisplay, true)
	assert.Equal(t, uint(1600000), h.current())

	st := h.gov.Status()
	assert.True(t, st.DisplayOn)
	assert.True(t, st.Bluetooth)
	assert.False(t, st.Earphones)
}

func TestStartReplaysPeripheralState(t *testing.T) {
	h := newHarness(t, []int{0}, nil)
	h.hub.Publish(events.Event{Kind: events.KindDisplay, On: false})
	h.hub.Publish(events.Event{Kind: events.KindEarphones, On: true})
	h.drv.SetCurrent("policy0", 1600000)

	h.start()
	h.gov.disp.waitIdle()

	st := h.gov.Status()
	assert.False(t, st.DisplayOn)
	assert.True(t, st.Earphones)
	assert.Equal(t, uint(1000000), h.current())

	require.NoError(t, h.group().Stop())
	h.hub.Publish(events.Event{Kind: events.KindEarphones, On: false})
	require.NoError(t, h.group().Start())
	h.gov.disp.waitIdle()

	assert.False(t, h.gov.Status().Earphones)
	assert.Equal(t, uint(600000), h.current())
}

func twoGroupGovernor(t *testing.T, opts Options) (*Governor, *cpufreq.FakeDriver) {
	t.Helper()
	table := mustTable(t, testFrequencies...)
	little := cpufreq.Policy{ID: "policy0", CPUs: []int{0, 1}, Table: table}
	big := cpufreq.Policy{ID: "policy2", CPUs: []int{2, 3}, Table: table}
	drv := cpufreq.NewFakeDriver([]cpufreq.Policy{little, big})

	opts.Clock = newManualClock()
	opts.Activity = activity.NewFakeClock(0, 1, 2, 3)
	opts.Driver = drv
	gov, err := New([]GroupSpec{{Name: "little", Policy: little}, {Name: "big", Policy: big}}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gov.Close() })
	return gov, drv
}

func TestTunablesFailureIsGroupScoped(t *testing.T) {
	cache := tunables.NewCache(func(fp string) (*tunables.Tunables, error) {
		if fp == "2-3" {
			return nil, errors.New("out of memory")
		}
		return tunables.New(0), nil
	})
	gov, _ := twoGroupGovernor(t, Options{Cache: cache})

	err := gov.StartAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")

	little, err := gov.Group("little")
	require.NoError(t, err)
	big, err := gov.Group("big")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, little.State())
	assert.Equal(t, StateUninitialized, big.State())
	assert.Zero(t, cache.RefCount("2-3"))
}

func TestSystemScopeSharesTunables(t *testing.T) {
	gov, _ := twoGroupGovernor(t, Options{SystemScope: true})
	require.NoError(t, gov.StartAll())

	little, _ := gov.Group("little")
	big, _ := gov.Group("big")
	lt, err := little.Tunables()
	require.NoError(t, err)
	bt, err := big.Tunables()
	require.NoError(t, err)
	assert.Same(t, lt, bt)
	assert.Equal(t, 2, gov.cache.RefCount(tunables.SystemFingerprint))

	require.NoError(t, big.Stop())
	assert.Equal(t, 1, gov.cache.RefCount(tunables.SystemFingerprint))

	_, err = gov.Group("mid")
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestNewRejectsBadGroups(t *testing.T) {
	table := mustTable(t, testFrequencies...)
	act := activity.NewFakeClock(0, 1)
	a := cpufreq.Policy{ID: "policy0", CPUs: []int{0, 1}, Table: table}
	b := cpufreq.Policy{ID: "policy1", CPUs: []int{1}, Table: table}
	drv := cpufreq.NewFakeDriver([]cpufreq.Policy{a, b})

	_, err := New([]GroupSpec{{Name: "a", Policy: a}, {Name: "b", Policy: b}}, Options{Activity: act, Driver: drv})
	assert.ErrorContains(t, err, "cpu 1 in both")

	_, err = New([]GroupSpec{{Name: "a", Policy: a}}, Options{Driver: drv})
	assert.Error(t, err)

	_, err = New(nil, Options{Activity: act, Driver: drv})
	assert.Error(t, err)
}
