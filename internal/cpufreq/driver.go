package cpufreq

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned by a Driver when the frequency cannot be changed right
// now (for example while the system is suspending). Callers retry later.
var ErrBusy = errors.New("cpufreq: driver busy")

// Policy describes a group of CPUs whose frequency changes in lockstep.
type Policy struct {
	ID    string
	CPUs  []int
	Table Table
	// Min and Max are the hardware limits of the policy.
	Min uint
	Max uint
}

// Request asks a driver to move a policy to Target, rounded with Relation
// onto the table entries within [Min, Max].
type Request struct {
	Policy   string
	Target   uint
	Relation Relation
	Min      uint
	Max      uint
}

// Driver is the only component that changes hardware state.
type Driver interface {
	// Apply changes the policy frequency and returns the frequency now in
	// effect. Implementations must not call back into the caller while
	// holding their own locks, except through Notifier subscribers.
	Apply(ctx context.Context, req Request) (uint, error)
	// Current returns the frequency currently in effect for the policy.
	Current(policy string) (uint, error)
}

// Preparer is implemented by drivers that need to take ownership of a policy
// before frequencies can be applied (e.g. selecting the userspace governor).
type Preparer interface {
	Prepare(policy string) error
}

// Transition is published after a policy changed frequency.
type Transition struct {
	Policy string
	Old    uint
	New    uint
}

// Notifier publishes frequency transitions.
type Notifier interface {
	Subscribe(fn func(Transition)) (cancel func())
}

// notifierList is embedded by drivers to implement Notifier.
type notifierList struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Transition)
}

func (n *notifierList) Subscribe(fn func(Transition)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Transition))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifierList) notify(t Transition) {
	n.mu.RLock()
	subs := make([]func(Transition), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(t)
	}
}
