package governor

import (
	"errors"
	"fmt"
	"sync"

	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/tunables"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidTransition is returned for a lifecycle call the group's
	// current state does not allow.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrNotStarted is returned when tunables are requested from a group
	// that holds none.
	ErrNotStarted = errors.New("group not started")
	// ErrUnknownGroup is returned for a group name the governor does not manage.
	ErrUnknownGroup = errors.New("unknown group")
)

// State is the lifecycle state of a group.
type State int

const (
	StateUninitialized State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Group is a set of CPUs clocked together, one cpufreq policy.
type Group struct {
	gov         *Governor
	name        string
	policy      cpufreq.Policy
	fingerprint string
	cpus        string
	units       []*unit

	mu       sync.RWMutex
	state    State
	min      uint
	max      uint
	cur      uint
	tunables *tunables.Tunables

	applyMu      sync.Mutex
	dispatchable bool
}

func (grp *Group) Name() string { return grp.name }

func (grp *Group) Policy() cpufreq.Policy { return grp.policy }

// Fingerprint is the tunables cache key of the group: the canonical CPU list,
// or tunables.SystemFingerprint when every group shares one object.
func (grp *Group) Fingerprint() string { return grp.fingerprint }

func (grp *Group) State() State {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	return grp.state
}

func (grp *Group) bounds() (min, max, cur uint) {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	return grp.min, grp.max, grp.cur
}

func (grp *Group) setCurrent(freq uint) {
	grp.mu.Lock()
	grp.cur = freq
	grp.mu.Unlock()
}

func (grp *Group) currentTunables() *tunables.Tunables {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	return grp.tunables
}

// params returns the active scalars, or the defaults while stopped.
func (grp *Group) params() tunables.Params {
	if t := grp.currentTunables(); t != nil {
		return t.Params()
	}
	return tunables.New(0).Params()
}

// Tunables returns the tunables the started group uses.
func (grp *Group) Tunables() (*tunables.Tunables, error) {
	if t := grp.currentTunables(); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("%s: %w", grp.name, ErrNotStarted)
}

// Start seeds every unit from the current hardware frequency, arms its timer
// and enables it.
func (grp *Group) Start() error {
	g := grp.gov
	g.govMu.Lock()
	defer g.govMu.Unlock()

	if grp.State() == StateStarted {
		return fmt.Errorf("start %s: %w", grp.name, ErrInvalidTransition)
	}

	tun, reused, err := g.cache.Acquire(grp.fingerprint)
	if err != nil {
		return fmt.Errorf("start %s: %w", grp.name, err)
	}
	release := func() {
		if _, rerr := g.cache.Release(grp.fingerprint); rerr != nil {
			g.logger.WithError(rerr).Warn("Failed to release tunables")
		}
	}

	if p, ok := g.driver.(cpufreq.Preparer); ok {
		if err := p.Prepare(grp.policy.ID); err != nil {
			release()
			return fmt.Errorf("start %s: %w", grp.name, err)
		}
	}
	cur, err := g.driver.Current(grp.policy.ID)
	if err != nil {
		release()
		return fmt.Errorf("start %s: %w", grp.name, err)
	}

	grp.mu.Lock()
	grp.cur = cur
	grp.tunables = tun
	grp.state = StateStarted
	max := grp.max
	grp.mu.Unlock()

	grp.applyMu.Lock()
	grp.dispatchable = true
	grp.applyMu.Unlock()

	if g.started == 0 {
		g.subscribe()
	}
	g.started++

	now := g.activity.Now()
	for _, u := range grp.units {
		u.targetMu.Lock()
		u.hyst.seed(cur, max, now)
		u.targetMu.Unlock()

		u.enableMu.Lock()
		u.cancelTimers()
		u.loadMu.Lock()
		u.lastEvalAt = now
		u.loadMu.Unlock()
		u.enabled = true
		u.enableMu.Unlock()

		g.resched(u)
	}
	// Apply the peripheral caps to the seeded frequency.
	g.disp.mark(grp.units[0].id)

	g.logger.WithFields(logrus.Fields{
		"group":           grp.name,
		"policy":          grp.policy.ID,
		"cpus":            grp.cpus,
		"current_khz":     cur,
		"tunables_reused": reused,
	}).Info("Governor started")
	return nil
}

// Stop disables every unit and returns once no evaluation or apply for the
// group is running.
func (grp *Group) Stop() error {
	g := grp.gov
	g.govMu.Lock()
	defer g.govMu.Unlock()

	if grp.State() != StateStarted {
		return fmt.Errorf("stop %s: %w", grp.name, ErrInvalidTransition)
	}

	for _, u := range grp.units {
		u.enableMu.Lock()
		u.enabled = false
		u.targetMu.Lock()
		u.hyst.target = 0
		u.targetMu.Unlock()
		u.cancelTimers()
		u.enableMu.Unlock()
	}

	grp.applyMu.Lock()
	grp.dispatchable = false
	grp.applyMu.Unlock()

	grp.mu.Lock()
	grp.state = StateStopped
	grp.tunables = nil
	grp.mu.Unlock()

	refs, err := g.cache.Release(grp.fingerprint)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to release tunables")
	}

	g.started--
	if g.started == 0 {
		g.unsubscribe()
	}

	g.logger.WithFields(logrus.Fields{
		"group":         grp.name,
		"tunables_refs": refs,
	}).Info("Governor stopped")
	return nil
}

// SetLimits changes the group's [min, max] bounds. The applied frequency and
// every unit target are clamped into them. Raising the ceiling rearms timers
// that were suppressed at the previous one.
func (grp *Group) SetLimits(min, max uint) error {
	g := grp.gov
	g.govMu.Lock()
	defer g.govMu.Unlock()

	if grp.State() != StateStarted {
		return fmt.Errorf("limits %s: %w", grp.name, ErrInvalidTransition)
	}
	if min > max {
		return fmt.Errorf("limits %s: min %d above max %d", grp.name, min, max)
	}
	if _, ok := grp.policy.Table.Target(min, min, max, cpufreq.RelationL); !ok {
		return fmt.Errorf("limits %s: no frequency within [%d, %d]", grp.name, min, max)
	}

	grp.mu.Lock()
	grp.min, grp.max = min, max
	cur := grp.cur
	grp.mu.Unlock()

	if cur < min || cur > max {
		grp.applyMu.Lock()
		applied, err := g.driver.Apply(g.ctx, cpufreq.Request{
			Policy:   grp.policy.ID,
			Target:   cur,
			Relation: cpufreq.RelationL,
			Min:      min,
			Max:      max,
		})
		if err == nil {
			grp.setCurrent(applied)
		}
		grp.applyMu.Unlock()
		if err != nil {
			g.logger.WithError(err).WithField("group", grp.name).Warn("Failed to apply new limits")
		}
	}

	for _, u := range grp.units {
		u.enableMu.RLock()
		if !u.enabled {
			u.enableMu.RUnlock()
			continue
		}
		u.targetMu.Lock()
		switch {
		case u.hyst.target > max:
			u.hyst.target = max
		case u.hyst.target < min:
			u.hyst.target = min
		}
		raised := max > u.hyst.boundMax
		u.hyst.boundMax = max
		u.targetMu.Unlock()
		u.enableMu.RUnlock()

		if raised {
			u.enableMu.Lock()
			u.cancelTimers()
			u.enableMu.Unlock()
			g.resched(u)
		}
	}

	g.logger.WithFields(logrus.Fields{
		"group":   grp.name,
		"min_khz": min,
		"max_khz": max,
	}).Info("Governor limits changed")
	return nil
}

// GroupStatus is a point-in-time view of one group.
type GroupStatus struct {
	Name        string       `json:"name"`
	Policy      string       `json:"policy"`
	CPUs        string       `json:"cpus"`
	State       string       `json:"state"`
	Min         uint         `json:"min_khz"`
	Max         uint         `json:"max_khz"`
	Current     uint         `json:"current_khz"`
	RefCount    int          `json:"tunables_refs"`
	Frequencies []uint       `json:"frequencies"`
	Units       []UnitStatus `json:"units"`
}

func (grp *Group) Status() GroupStatus {
	min, max, cur := grp.bounds()
	s := GroupStatus{
		Name:        grp.name,
		Policy:      grp.policy.ID,
		CPUs:        grp.cpus,
		State:       grp.State().String(),
		Min:         min,
		Max:         max,
		Current:     cur,
		RefCount:    grp.gov.cache.RefCount(grp.fingerprint),
		Frequencies: grp.policy.Table.Frequencies(),
	}
	for _, u := range grp.units {
		s.Units = append(s.Units, u.status())
	}
	return s
}
