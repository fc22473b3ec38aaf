package governor

import "time"

// updateLoad charges the active time since the previous sample at freq and
// moves the idle baseline forward. Called with loadMu held.
func (g *Governor) updateLoad(u *unit, freq uint) (time.Duration, error) {
	idle, now, err := g.activity.IdleTime(u.id)
	if err != nil {
		return 0, err
	}
	active := (now - u.idleStamp) - (idle - u.idleTime)
	if active < 0 {
		active = 0
	}
	u.accum += uint64(active/time.Microsecond) * uint64(freq)
	u.idleTime = idle
	u.idleStamp = now
	return now, nil
}

// resetLoad starts a new sample window. Called with loadMu held.
func (g *Governor) resetLoad(u *unit) time.Duration {
	idle, now, err := g.activity.IdleTime(u.id)
	if err != nil {
		now = g.activity.Now()
	} else {
		u.idleTime = idle
		u.idleStamp = now
	}
	u.accum = 0
	u.accumStamp = now
	return now
}

// loadAdjFreq converts an accumulator over elapsed into load percent × kHz.
func loadAdjFreq(accum uint64, elapsed time.Duration) uint {
	us := uint64(elapsed / time.Microsecond)
	if us == 0 {
		return 0
	}
	return uint(accum / us * 100)
}
