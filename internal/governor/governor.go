// Package governor is the adaptive frequency controller. Every CPU of a
// managed group samples its own load on a timer and picks a target
// frequency; a single dispatcher applies the maximum target of each group
// through the cpufreq driver.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cpufreq-governor/internal/activity"
	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/events"
	"cpufreq-governor/internal/logging"
	"cpufreq-governor/internal/telemetry"
	"cpufreq-governor/internal/tunables"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
)

// DefaultBusyRetry is the delay before an apply refused with ErrBusy is
// attempted again.
const DefaultBusyRetry = 10 * time.Millisecond

// GroupSpec describes one managed group. Policy.Min and Policy.Max are the
// initial limits.
type GroupSpec struct {
	Name   string
	Policy cpufreq.Policy
}

type Options struct {
	// Clock drives the evaluation timers. Defaults to the real clock.
	Clock clock.WithDelayedExecution
	// Activity is the idle-time source. Required.
	Activity activity.Clock
	// Driver applies frequencies. Required.
	Driver cpufreq.Driver
	// Notifier reports frequency transitions. Defaults to Driver when it
	// implements cpufreq.Notifier.
	Notifier cpufreq.Notifier
	// Events delivers display, peripheral and idle events. Optional.
	Events events.Source
	// Sink receives every decision trace. Defaults to telemetry.Nop().
	Sink telemetry.Sink
	// Cache hands out tunables. Defaults to a cache of default tunables.
	Cache *tunables.Cache
	// SystemScope shares one tunables object across all groups.
	SystemScope bool
	// DisplayOn is the display state assumed until an event says otherwise.
	DisplayOn bool
	// BusyRetry defaults to DefaultBusyRetry.
	BusyRetry time.Duration
	// RealtimePriority is the SCHED_FIFO priority of the dispatcher; 0
	// keeps the default scheduling class.
	RealtimePriority int
}

// Governor owns every unit and the dispatcher.
type Governor struct {
	clk       clock.WithDelayedExecution
	activity  activity.Clock
	driver    cpufreq.Driver
	notifier  cpufreq.Notifier
	source    events.Source
	sink      telemetry.Sink
	cache     *tunables.Cache
	busyRetry time.Duration
	logger    *logrus.Logger
	decisions *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	govMu             sync.Mutex
	groups            []*Group
	started           int
	cancelEvents      func()
	cancelTransitions func()
	closed            bool

	units []*unit
	disp  *dispatcher

	displayOn atomic.Bool
	earphones atomic.Bool
	bluetooth atomic.Bool
}

// New builds the governor for the given groups and starts its dispatcher.
// Groups start in StateUninitialized.
func New(specs []GroupSpec, opts Options) (*Governor, error) {
	if opts.Activity == nil {
		return nil, errors.New("governor: activity clock is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("governor: driver is required")
	}
	if len(specs) == 0 {
		return nil, errors.New("governor: no groups")
	}

	g := &Governor{
		clk:       opts.Clock,
		activity:  opts.Activity,
		driver:    opts.Driver,
		notifier:  opts.Notifier,
		source:    opts.Events,
		sink:      opts.Sink,
		cache:     opts.Cache,
		busyRetry: opts.BusyRetry,
		logger:    logging.GetLogger(),
		decisions: logging.GetGovernorLogger(),
	}
	if g.clk == nil {
		g.clk = clock.RealClock{}
	}
	if g.notifier == nil {
		if n, ok := opts.Driver.(cpufreq.Notifier); ok {
			g.notifier = n
		}
	}
	if g.sink == nil {
		g.sink = telemetry.Nop()
	}
	if g.cache == nil {
		g.cache = tunables.NewCache(func(string) (*tunables.Tunables, error) {
			return tunables.New(tunables.DefaultTick), nil
		})
	}
	if g.busyRetry <= 0 {
		g.busyRetry = DefaultBusyRetry
	}
	g.displayOn.Store(opts.DisplayOn)

	maxCPU := -1
	seen := make(map[string]bool)
	owner := make(map[int]string)
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("governor: group without a name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("governor: duplicate group %s", spec.Name)
		}
		seen[spec.Name] = true
		if len(spec.Policy.CPUs) == 0 {
			return nil, fmt.Errorf("governor: group %s has no cpus", spec.Name)
		}
		if spec.Policy.Table.Len() == 0 {
			return nil, fmt.Errorf("governor: group %s has no frequency table", spec.Name)
		}
		for _, cpu := range spec.Policy.CPUs {
			if cpu < 0 {
				return nil, fmt.Errorf("governor: group %s has negative cpu %d", spec.Name, cpu)
			}
			if other, ok := owner[cpu]; ok {
				return nil, fmt.Errorf("governor: cpu %d in both %s and %s", cpu, other, spec.Name)
			}
			owner[cpu] = spec.Name
			if cpu > maxCPU {
				maxCPU = cpu
			}
		}
	}

	// One slot per possible cpu; slots outside every group stay nil.
	g.units = make([]*unit, maxCPU+1)
	for _, spec := range specs {
		policy := spec.Policy
		min, max := policy.Min, policy.Max
		if min == 0 {
			min = policy.Table.Min()
		}
		if max == 0 {
			max = policy.Table.Max()
		}
		if min > max {
			return nil, fmt.Errorf("governor: group %s min %d above max %d", spec.Name, min, max)
		}

		cpus := tunables.Fingerprint(policy.CPUs)
		grp := &Group{
			gov:         g,
			name:        spec.Name,
			policy:      policy,
			fingerprint: cpus,
			cpus:        cpus,
			min:         min,
			max:         max,
		}
		if opts.SystemScope {
			grp.fingerprint = tunables.SystemFingerprint
		}
		sorted := append([]int(nil), policy.CPUs...)
		sort.Ints(sorted)
		for _, cpu := range sorted {
			u := newUnit(cpu, grp)
			grp.units = append(grp.units, u)
			g.units[cpu] = u
		}
		g.groups = append(g.groups, grp)
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.disp = newDispatcher(g)
	go g.disp.run(opts.RealtimePriority)

	g.logger.WithFields(logrus.Fields{
		"groups":       len(g.groups),
		"units":        len(owner),
		"system_scope": opts.SystemScope,
	}).Info("Governor initialized")
	return g, nil
}

func (g *Governor) unit(id int) *unit {
	if id < 0 || id >= len(g.units) {
		return nil
	}
	return g.units[id]
}

// Groups returns the managed groups in configuration order.
func (g *Governor) Groups() []*Group {
	return append([]*Group(nil), g.groups...)
}

// Group looks a group up by name.
func (g *Governor) Group(name string) (*Group, error) {
	for _, grp := range g.groups {
		if grp.name == name {
			return grp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
}

// StartAll starts every group that is not running. A group that fails to
// start does not keep the others from starting.
func (g *Governor) StartAll() error {
	var errs error
	for _, grp := range g.groups {
		if grp.State() == StateStarted {
			continue
		}
		if err := grp.Start(); err != nil {
			g.logger.WithError(err).WithField("group", grp.name).Error("Failed to start group")
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Status summarises the governor for the HTTP surface.
type Status struct {
	DisplayOn bool          `json:"display_on"`
	Earphones bool          `json:"earphones"`
	Bluetooth bool          `json:"bluetooth"`
	Groups    []GroupStatus `json:"groups"`
}

func (g *Governor) Status() Status {
	p := g.peripherals()
	s := Status{DisplayOn: p.DisplayOn, Earphones: p.Earphones, Bluetooth: p.Bluetooth}
	for _, grp := range g.groups {
		s.Groups = append(s.Groups, grp.Status())
	}
	return s
}

func (g *Governor) peripherals() peripherals {
	return peripherals{
		DisplayOn: g.displayOn.Load(),
		Earphones: g.earphones.Load(),
		Bluetooth: g.bluetooth.Load(),
	}
}

// Close stops every started group and the dispatcher.
func (g *Governor) Close() error {
	g.govMu.Lock()
	if g.closed {
		g.govMu.Unlock()
		return nil
	}
	g.closed = true
	g.govMu.Unlock()

	var errs error
	for _, grp := range g.groups {
		if grp.State() != StateStarted {
			continue
		}
		errs = multierr.Append(errs, grp.Stop())
	}
	g.cancel()
	g.disp.shutdown()
	return errs
}

// record reports one evaluation to the trace sink.
func (g *Governor) record(u *unit, v verdict, load, cur uint) {
	t := telemetry.Trace{
		Time:      g.clk.Now(),
		Group:     u.group.name,
		Unit:      u.id,
		Outcome:   v.Outcome,
		Load:      load,
		Target:    u.target(),
		Current:   cur,
		Candidate: v.Candidate,
		Reason:    v.Reason,
	}
	g.sink.Record(t)

	if g.decisions.IsLevelEnabled(logrus.TraceLevel) {
		g.decisions.WithFields(logrus.Fields{
			"group":     t.Group,
			"unit":      t.Unit,
			"outcome":   t.Outcome,
			"load":      t.Load,
			"current":   t.Current,
			"candidate": t.Candidate,
			"target":    t.Target,
		}).Trace("Evaluated unit")
	}
}
