package governor

import (
	"sync/atomic"

	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/events"

	"github.com/sirupsen/logrus"
)

// subscribe registers with the event sources. Called with govMu held when
// the first group starts.
func (g *Governor) subscribe() {
	if g.notifier != nil {
		g.cancelTransitions = g.notifier.Subscribe(g.onTransition)
	}
	if g.source != nil {
		g.cancelEvents = g.source.Subscribe(g.onEvent)
		g.replayState()
	}
}

// replayState copies the peripheral state published while the governor was
// not subscribed.
func (g *Governor) replayState() {
	src, ok := g.source.(events.StateSource)
	if !ok {
		return
	}
	flags := []struct {
		kind events.Kind
		flag *atomic.Bool
	}{
		{events.KindDisplay, &g.displayOn},
		{events.KindEarphones, &g.earphones},
		{events.KindBluetooth, &g.bluetooth},
	}
	for _, f := range flags {
		e, ok := src.Last(f.kind)
		if !ok || f.flag.Swap(e.On) == e.On {
			continue
		}
		g.logger.WithFields(logrus.Fields{
			"event": e.Kind,
			"on":    e.On,
		}).Info("Peripheral state restored")
	}
}

// unsubscribe is called with govMu held when the last group stops.
func (g *Governor) unsubscribe() {
	if g.cancelTransitions != nil {
		g.cancelTransitions()
		g.cancelTransitions = nil
	}
	if g.cancelEvents != nil {
		g.cancelEvents()
		g.cancelEvents = nil
	}
}

func (g *Governor) onEvent(e events.Event) {
	switch e.Kind {
	case events.KindIdle:
		u := g.unit(e.Unit)
		if u == nil {
			return
		}
		if e.On {
			g.idleStart(u)
		} else {
			g.idleEnd(u)
		}
	case events.KindDisplay:
		g.setPeripheral(&g.displayOn, e)
	case events.KindEarphones:
		g.setPeripheral(&g.earphones, e)
	case events.KindBluetooth:
		g.setPeripheral(&g.bluetooth, e)
	}
}

func (g *Governor) setPeripheral(flag *atomic.Bool, e events.Event) {
	if flag.Swap(e.On) == e.On {
		return
	}
	g.logger.WithFields(logrus.Fields{
		"event": e.Kind,
		"on":    e.On,
	}).Info("Peripheral state changed")
	g.redispatch()
}

// redispatch queues one enabled unit of every group so the frequency caps
// follow the new peripheral state without waiting for a target change.
func (g *Governor) redispatch() {
	for _, grp := range g.groups {
		for _, u := range grp.units {
			if u.isEnabled() {
				g.disp.mark(u.id)
				break
			}
		}
	}
}

// onTransition charges every sibling's load at the old frequency up to the
// moment the group changed speed.
func (g *Governor) onTransition(t cpufreq.Transition) {
	var grp *Group
	for _, candidate := range g.groups {
		if candidate.policy.ID == t.Policy {
			grp = candidate
			break
		}
	}
	if grp == nil {
		return
	}
	for _, u := range grp.units {
		if !u.enableMu.TryRLock() {
			continue
		}
		if u.enabled {
			u.loadMu.Lock()
			if _, err := g.updateLoad(u, t.Old); err != nil {
				g.decisions.WithError(err).WithField("unit", u.id).Debug("Failed to update load on transition")
			}
			u.loadMu.Unlock()
		}
		u.enableMu.RUnlock()
	}
}
