package activity

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Workload gives a unit's demand in kHz of useful work at elapsed time t.
type Workload func(unit int, t time.Duration) uint

// FrequencyReader returns the frequency a unit currently runs at.
type FrequencyReader func(unit int) uint

// SimulatedClock turns a workload into idle time. A unit running at f kHz
// with demand d is busy for min(1, d/f) of every interval, so raising the
// frequency lowers the measured busy fraction.
type SimulatedClock struct {
	clk      clock.PassiveClock
	epoch    time.Time
	workload Workload
	freq     FrequencyReader

	mu    sync.Mutex
	units map[int]*simUnit
}

type simUnit struct {
	idle   time.Duration
	lastAt time.Duration
}

func NewSimulatedClock(clk clock.PassiveClock, units []int, workload Workload, freq FrequencyReader) *SimulatedClock {
	s := &SimulatedClock{
		clk:      clk,
		epoch:    clk.Now(),
		workload: workload,
		freq:     freq,
		units:    make(map[int]*simUnit, len(units)),
	}
	for _, u := range units {
		s.units[u] = &simUnit{}
	}
	return s
}

func (s *SimulatedClock) Now() time.Duration {
	return s.clk.Since(s.epoch)
}

func (s *SimulatedClock) IdleTime(unit int) (time.Duration, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	u, ok := s.units[unit]
	if !ok {
		return 0, now, ErrUnknownUnit
	}
	if elapsed := now - u.lastAt; elapsed > 0 {
		busy := 1.0
		if f := s.freq(unit); f > 0 {
			busy = math.Min(1, float64(s.workload(unit, now))/float64(f))
		}
		u.idle += time.Duration(math.Round(float64(elapsed) * (1 - busy)))
		u.lastAt = now
	}
	return u.idle, now, nil
}

// PhasedWorkload cycles through demand phases of equal length, adding
// uniform jitter of up to jitter percent.
func PhasedWorkload(phase time.Duration, demands []uint, jitter int, seed int64) Workload {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(unit int, t time.Duration) uint {
		if len(demands) == 0 || phase <= 0 {
			return 0
		}
		base := demands[int(t/phase)%len(demands)]
		if jitter <= 0 || base == 0 {
			return base
		}
		mu.Lock()
		delta := rng.Intn(2*jitter+1) - jitter
		mu.Unlock()
		v := int(base) + int(base)*delta/100
		if v < 0 {
			return 0
		}
		return uint(v)
	}
}
