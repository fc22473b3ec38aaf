package activity

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FakeClock is a manually driven Clock. Advance moves time forward and
// charges each unit idle time according to its configured busy fraction.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Duration
	idle map[int]time.Duration
	busy map[int]float64
	err  error
}

func NewFakeClock(units ...int) *FakeClock {
	f := &FakeClock{idle: make(map[int]time.Duration), busy: make(map[int]float64)}
	for _, u := range units {
		f.idle[u] = 0
	}
	return f
}

// SetBusy sets the fraction of subsequently elapsed time unit spends active.
func (f *FakeClock) SetBusy(unit int, fraction float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	f.busy[unit] = fraction
	if _, ok := f.idle[unit]; !ok {
		f.idle[unit] = 0
	}
}

// AddIdle charges extra idle time to unit without moving time.
func (f *FakeClock) AddIdle(unit int, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle[unit] += d
}

func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d
	for u := range f.idle {
		f.idle[u] += time.Duration(math.Round(float64(d) * (1 - f.busy[u])))
	}
}

// FailWith makes every IdleTime call return err until cleared with nil.
func (f *FakeClock) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeClock) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) IdleTime(unit int) (time.Duration, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.now, f.err
	}
	idle, ok := f.idle[unit]
	if !ok {
		return 0, f.now, fmt.Errorf("%w: %d", ErrUnknownUnit, unit)
	}
	return idle, f.now, nil
}
