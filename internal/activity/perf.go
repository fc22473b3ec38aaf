//go:build linux

package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/elastic/go-perf"
	"k8s.io/utils/clock"

	"cpufreq-governor/internal/logging"
)

// PerfClock derives idle time from unhalted reference cycles. Reference
// cycles tick at a constant rate only while the CPU is not halted, so
// busy = refCycles / refKHz and idle is the remainder of the elapsed time.
type PerfClock struct {
	clk    clock.PassiveClock
	epoch  time.Time
	refKHz uint64

	mu     sync.Mutex
	events map[int]*perfUnit
}

type perfUnit struct {
	event    *perf.Event
	openedAt time.Duration
	busy     time.Duration
	last     perf.Count
}

// NewPerfClock opens one system-wide reference-cycle counter per CPU.
func NewPerfClock(cpus []int, refKHz uint64, clk clock.PassiveClock) (*PerfClock, error) {
	logger := logging.GetLogger()
	if refKHz == 0 {
		return nil, fmt.Errorf("perf activity clock needs the reference clock rate")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	pc := &PerfClock{
		clk:    clk,
		epoch:  clk.Now(),
		refKHz: refKHz,
		events: make(map[int]*perfUnit, len(cpus)),
	}

	for _, cpu := range cpus {
		attr := &perf.Attr{}
		perf.RefCPUCycles.Configure(attr)
		// Enabled/Running let us correct for counter multiplexing.
		attr.CountFormat.Enabled = true
		attr.CountFormat.Running = true

		event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			pc.Close()
			logger.WithField("cpu", cpu).WithError(err).Error("Failed to open ref-cycles perf event")
			return nil, fmt.Errorf("open ref-cycles on cpu%d: %w", cpu, err)
		}
		if err := event.Enable(); err != nil {
			event.Close()
			pc.Close()
			return nil, fmt.Errorf("enable ref-cycles on cpu%d: %w", cpu, err)
		}
		pc.events[cpu] = &perfUnit{event: event, openedAt: pc.Now()}
	}

	logger.WithFields(map[string]interface{}{
		"cpus":    len(cpus),
		"ref_khz": refKHz,
	}).Debug("Using perf ref-cycles activity clock")
	return pc, nil
}

func (pc *PerfClock) Now() time.Duration {
	return pc.clk.Since(pc.epoch)
}

func (pc *PerfClock) IdleTime(unit int) (time.Duration, time.Duration, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	now := pc.Now()
	u, ok := pc.events[unit]
	if !ok {
		return 0, now, fmt.Errorf("%w: cpu%d has no perf event", ErrUnknownUnit, unit)
	}
	count, err := u.event.ReadCount()
	if err != nil {
		return 0, now, fmt.Errorf("read ref-cycles on cpu%d: %w", unit, err)
	}

	deltaValue := count.Value - u.last.Value
	deltaEnabled := count.Enabled - u.last.Enabled
	deltaRunning := count.Running - u.last.Running
	scaled := float64(deltaValue)
	if deltaRunning > 0 && deltaEnabled > 0 && deltaRunning != deltaEnabled {
		scaled *= float64(deltaEnabled) / float64(deltaRunning)
	}
	u.busy += time.Duration(scaled * 1e6 / float64(pc.refKHz))
	u.last = count

	idle := now - u.openedAt - u.busy
	if idle < 0 {
		idle = 0
	}
	return idle, now, nil
}

func (pc *PerfClock) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for cpu, u := range pc.events {
		if u.event != nil {
			u.event.Close()
		}
		delete(pc.events, cpu)
	}
	return nil
}
