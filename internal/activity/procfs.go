package activity

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"k8s.io/utils/clock"

	"cpufreq-governor/internal/logging"
)

// DefaultStatMaxAge lets sibling units evaluated in the same aligned window
// share a single /proc/stat read.
const DefaultStatMaxAge = 500 * time.Microsecond

// ProcfsClock reads per-CPU idle and iowait time from /proc/stat.
type ProcfsClock struct {
	fs     procfs.FS
	clk    clock.PassiveClock
	epoch  time.Time
	maxAge time.Duration

	mu       sync.Mutex
	cached   map[int64]procfs.CPUStat
	cachedAt time.Duration
}

type ProcfsOption func(*ProcfsClock)

// WithPassiveClock replaces the wall clock used for timestamps.
func WithPassiveClock(clk clock.PassiveClock) ProcfsOption {
	return func(p *ProcfsClock) { p.clk = clk }
}

// WithStatMaxAge sets how long a /proc/stat read is reused; 0 disables reuse.
func WithStatMaxAge(d time.Duration) ProcfsOption {
	return func(p *ProcfsClock) { p.maxAge = d }
}

func NewProcfsClock(procRoot string, opts ...ProcfsOption) (*ProcfsClock, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", procRoot, err)
	}
	p := &ProcfsClock{
		fs:     fs,
		clk:    clock.RealClock{},
		maxAge: DefaultStatMaxAge,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.epoch = p.clk.Now()

	// Fail early on an unreadable stat file rather than on the first tick.
	if _, err := p.fs.Stat(); err != nil {
		return nil, fmt.Errorf("read %s/stat: %w", procRoot, err)
	}
	logging.GetLogger().WithField("proc_root", procRoot).Debug("Using /proc/stat activity clock")
	return p, nil
}

func (p *ProcfsClock) Now() time.Duration {
	return p.clk.Since(p.epoch)
}

func (p *ProcfsClock) IdleTime(unit int) (time.Duration, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.Now()
	if p.cached == nil || now-p.cachedAt > p.maxAge {
		stat, err := p.fs.Stat()
		if err != nil {
			return 0, now, fmt.Errorf("read cpu stats: %w", err)
		}
		p.cached = stat.CPU
		p.cachedAt = now
	}

	cpu, ok := p.cached[int64(unit)]
	if !ok {
		return 0, now, fmt.Errorf("%w: cpu%d not in stat", ErrUnknownUnit, unit)
	}
	idle := time.Duration(math.Round((cpu.Idle + cpu.Iowait) * float64(time.Second)))
	return idle, now, nil
}
