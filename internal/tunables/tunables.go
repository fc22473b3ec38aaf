package tunables

import (
	"sync"
	"time"
)

const (
	DefaultTargetLoad          = 85
	DefaultAboveHispeedDelay   = 25000 * time.Microsecond
	DefaultHispeedFreq         = 384000
	DefaultGoHispeedLoad       = 99
	DefaultMinSampleTime       = 80000 * time.Microsecond
	DefaultTimerRate           = 60000 * time.Microsecond
	DefaultTimerRateMultiplier = 2
	DefaultTimerSlack          = 80000 * time.Microsecond
	DefaultScreenOffMaxFreq    = 702000
	DefaultEarphonesMaxFreq    = 1080000
	DefaultBluetoothMaxFreq    = 1242000
	DefaultTick                = time.Millisecond
	MinEarphonesMaxFreq        = 594000
	MinBluetoothMaxFreq        = 648000
	MaxTimerRateMultiplier     = 10
	SlackDisabled              = -1 * time.Microsecond
)

// Params is a consistent snapshot of the scalar tunables.
type Params struct {
	HispeedFreq          uint
	ScreenOffHispeedFreq uint
	GoHispeedLoad        uint
	MinSampleTime        time.Duration
	TimerRate            time.Duration
	TimerRateMultiplier  uint
	TimerSlack           time.Duration
	AlignWindows         bool
	SamplingDownFactor   bool
	ScreenOffMaxFreq     uint
	EarphonesMaxFreq     uint
	BluetoothMaxFreq     uint
}

// Hispeed returns the effective high-speed threshold for the display state.
func (p Params) Hispeed(displayOn bool) uint {
	if !displayOn && p.ScreenOffHispeedFreq != 0 {
		return p.ScreenOffHispeedFreq
	}
	return p.HispeedFreq
}

// Interval returns the sampling interval for the display state.
func (p Params) Interval(displayOn bool) time.Duration {
	if displayOn {
		return p.TimerRate
	}
	return p.TimerRate * time.Duration(p.TimerRateMultiplier)
}

// SlackEnabled reports whether the secondary idle wakeup is armed at all.
func (p Params) SlackEnabled() bool { return p.TimerSlack >= 0 }

// Tunables is shared by every group that uses it. The two tables and the
// scalars sit behind separate locks so a table swap never stalls the timer
// path reading scalars.
type Tunables struct {
	tick time.Duration

	loadsMu     sync.RWMutex
	targetLoads Table

	delayMu           sync.RWMutex
	aboveHispeedDelay Table

	mu     sync.RWMutex
	params Params
}

// New returns tunables holding the default values. tick is the granularity
// timer_rate is rounded up to; zero selects DefaultTick.
func New(tick time.Duration) *Tunables {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Tunables{
		tick:              tick,
		targetLoads:       NewFlatTable(DefaultTargetLoad),
		aboveHispeedDelay: NewFlatTable(uint(DefaultAboveHispeedDelay / time.Microsecond)),
		params: Params{
			HispeedFreq:         DefaultHispeedFreq,
			GoHispeedLoad:       DefaultGoHispeedLoad,
			MinSampleTime:       DefaultMinSampleTime,
			TimerRate:           DefaultTimerRate,
			TimerRateMultiplier: DefaultTimerRateMultiplier,
			TimerSlack:          DefaultTimerSlack,
			AlignWindows:        true,
			ScreenOffMaxFreq:    DefaultScreenOffMaxFreq,
			EarphonesMaxFreq:    DefaultEarphonesMaxFreq,
			BluetoothMaxFreq:    DefaultBluetoothMaxFreq,
		},
	}
}

func (t *Tunables) Tick() time.Duration { return t.tick }

func (t *Tunables) Params() Params {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params
}

func (t *Tunables) TargetLoads() Table {
	t.loadsMu.RLock()
	defer t.loadsMu.RUnlock()
	return t.targetLoads
}

func (t *Tunables) AboveHispeedDelayTable() Table {
	t.delayMu.RLock()
	defer t.delayMu.RUnlock()
	return t.aboveHispeedDelay
}

// AboveHispeedDelay returns the dwell required at freq before escalating.
func (t *Tunables) AboveHispeedDelay(freq uint) time.Duration {
	t.delayMu.RLock()
	defer t.delayMu.RUnlock()
	return time.Duration(t.aboveHispeedDelay.Lookup(freq)) * time.Microsecond
}

// SetTargetLoads parses s fully before swapping it in.
func (t *Tunables) SetTargetLoads(s string) error {
	table, err := ParseLoadTable(s)
	if err != nil {
		return withKey(KeyTargetLoads, err)
	}
	t.loadsMu.Lock()
	t.targetLoads = table
	t.loadsMu.Unlock()
	return nil
}

func (t *Tunables) SetAboveHispeedDelay(s string) error {
	table, err := ParseTable(s)
	if err != nil {
		return withKey(KeyAboveHispeedDelay, err)
	}
	t.delayMu.Lock()
	t.aboveHispeedDelay = table
	t.delayMu.Unlock()
	return nil
}

func (t *Tunables) update(fn func(p *Params)) {
	t.mu.Lock()
	fn(&t.params)
	t.mu.Unlock()
}

func (t *Tunables) SetHispeedFreq(freq uint) error {
	if freq == 0 {
		return invalid(KeyHispeedFreq, "0", "must be positive")
	}
	t.update(func(p *Params) { p.HispeedFreq = freq })
	return nil
}

// SetScreenOffHispeedFreq sets the display-off threshold; 0 disables it.
func (t *Tunables) SetScreenOffHispeedFreq(freq uint) {
	t.update(func(p *Params) { p.ScreenOffHispeedFreq = freq })
}

func (t *Tunables) SetGoHispeedLoad(load uint) error {
	if load == 0 || load > 100 {
		return invalid(KeyGoHispeedLoad, itoa(uint64(load)), "must be within [1, 100]")
	}
	t.update(func(p *Params) { p.GoHispeedLoad = load })
	return nil
}

func (t *Tunables) SetMinSampleTime(d time.Duration) error {
	if d < 0 {
		return invalid(KeyMinSampleTime, d.String(), "must not be negative")
	}
	t.update(func(p *Params) { p.MinSampleTime = d })
	return nil
}

// SetTimerRate stores d rounded up to the tick and returns the stored value
// together with whether rounding happened.
func (t *Tunables) SetTimerRate(d time.Duration) (time.Duration, bool, error) {
	if d <= 0 {
		return 0, false, invalid(KeyTimerRate, d.String(), "must be positive")
	}
	rounded := ((d + t.tick - 1) / t.tick) * t.tick
	t.update(func(p *Params) { p.TimerRate = rounded })
	return rounded, rounded != d, nil
}

func (t *Tunables) SetTimerRateMultiplier(m uint) error {
	if m < 1 || m > MaxTimerRateMultiplier {
		return invalid(KeyTimerRateMultiplier, itoa(uint64(m)), "must be within [1, %d]", MaxTimerRateMultiplier)
	}
	t.update(func(p *Params) { p.TimerRateMultiplier = m })
	return nil
}

// SetTimerSlack sets the slack delay; any negative value disables it.
func (t *Tunables) SetTimerSlack(d time.Duration) {
	if d < 0 {
		d = SlackDisabled
	}
	t.update(func(p *Params) { p.TimerSlack = d })
}

func (t *Tunables) SetAlignWindows(v bool) {
	t.update(func(p *Params) { p.AlignWindows = v })
}

func (t *Tunables) SetSamplingDownFactor(v bool) {
	t.update(func(p *Params) { p.SamplingDownFactor = v })
}

func (t *Tunables) SetScreenOffMaxFreq(freq uint) error {
	if freq == 0 {
		return invalid(KeyScreenOffMaxFreq, "0", "must be positive")
	}
	t.update(func(p *Params) { p.ScreenOffMaxFreq = freq })
	return nil
}

// SetEarphonesMaxFreq clamps freq to its hard floor and reports the clamp.
func (t *Tunables) SetEarphonesMaxFreq(freq uint) (uint, bool) {
	stored, clamped := clampFloor(freq, MinEarphonesMaxFreq)
	t.update(func(p *Params) { p.EarphonesMaxFreq = stored })
	return stored, clamped
}

// SetBluetoothMaxFreq clamps freq to its hard floor and reports the clamp.
func (t *Tunables) SetBluetoothMaxFreq(freq uint) (uint, bool) {
	stored, clamped := clampFloor(freq, MinBluetoothMaxFreq)
	t.update(func(p *Params) { p.BluetoothMaxFreq = stored })
	return stored, clamped
}

func clampFloor(v, floor uint) (uint, bool) {
	if v < floor {
		return floor, true
	}
	return v, false
}
