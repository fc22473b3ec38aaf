package governor

import (
	"time"

	"cpufreq-governor/internal/tunables"
)

// clusterView is the aggregate of one group's unit targets.
type clusterView struct {
	MaxTarget uint
	// HispeedValidatedAt is the earliest local validation time among the
	// units tied at MaxTarget.
	HispeedValidatedAt time.Duration
}

func (grp *Group) clusterView() clusterView {
	var (
		v     clusterView
		first = true
	)
	for _, u := range grp.units {
		u.targetMu.Lock()
		target, hvt := u.hyst.target, u.hyst.localHispeedValidatedAt
		u.targetMu.Unlock()

		switch {
		case first || target > v.MaxTarget:
			v = clusterView{MaxTarget: target, HispeedValidatedAt: hvt}
			first = false
		case target == v.MaxTarget && hvt < v.HispeedValidatedAt:
			v.HispeedValidatedAt = hvt
		}
	}
	return v
}

// peripherals is the external state that caps the group frequency.
type peripherals struct {
	DisplayOn bool
	Earphones bool
	Bluetooth bool
}

// capFrequency limits freq while the display is off. Earphones take
// precedence over bluetooth, which takes precedence over the plain
// screen-off cap.
func capFrequency(freq uint, p tunables.Params, state peripherals) (uint, string) {
	if state.DisplayOn {
		return freq, ""
	}
	limit, reason := p.ScreenOffMaxFreq, "screen_off"
	switch {
	case state.Earphones:
		limit, reason = p.EarphonesMaxFreq, "earphones"
	case state.Bluetooth:
		limit, reason = p.BluetoothMaxFreq, "bluetooth"
	}
	if limit != 0 && freq > limit {
		return limit, reason
	}
	return freq, ""
}
