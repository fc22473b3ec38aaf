package cpufreq

import (
	"context"
	"fmt"
	"sync"
)

// FakeDriver records applied frequencies in memory. It backs the simulate
// command and tests.
type FakeDriver struct {
	notifierList

	mu       sync.Mutex
	policies map[string]Policy
	current  map[string]uint
	applied  []Request
	busy     int
	err      error
}

func NewFakeDriver(policies []Policy) *FakeDriver {
	d := &FakeDriver{
		policies: make(map[string]Policy, len(policies)),
		current:  make(map[string]uint, len(policies)),
	}
	for _, p := range policies {
		d.policies[p.ID] = p
		d.current[p.ID] = p.Table.Min()
	}
	return d
}

// SetCurrent overrides the frequency reported for a policy.
func (d *FakeDriver) SetCurrent(policy string, freq uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current[policy] = freq
}

// FailBusy makes the next n Apply calls return ErrBusy.
func (d *FakeDriver) FailBusy(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = n
}

// FailWith makes every Apply return err until reset with nil.
func (d *FakeDriver) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Applied returns a copy of every successful request.
func (d *FakeDriver) Applied() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.applied...)
}

func (d *FakeDriver) Current(policy string) (uint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	freq, ok := d.current[policy]
	if !ok {
		return 0, fmt.Errorf("unknown policy %s", policy)
	}
	return freq, nil
}

func (d *FakeDriver) Apply(ctx context.Context, req Request) (uint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	if d.busy > 0 {
		d.busy--
		d.mu.Unlock()
		return 0, ErrBusy
	}
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return 0, err
	}
	policy, ok := d.policies[req.Policy]
	if !ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("unknown policy %s", req.Policy)
	}
	freq, ok := policy.Table.Target(req.Target, req.Min, req.Max, req.Relation)
	if !ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("no frequency of %s within [%d, %d]", req.Policy, req.Min, req.Max)
	}
	old := d.current[req.Policy]
	d.current[req.Policy] = freq
	d.applied = append(d.applied, req)
	d.mu.Unlock()

	if old != freq {
		d.notify(Transition{Policy: req.Policy, Old: old, New: freq})
	}
	return freq, nil
}
