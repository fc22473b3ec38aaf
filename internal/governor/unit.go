package governor

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// unit is the controller state of one CPU. Units are allocated once for
// every possible CPU and bound to their group for the governor's lifetime.
type unit struct {
	id    int
	group *Group

	enableMu sync.RWMutex
	enabled  bool

	loadMu     sync.Mutex
	idleTime   time.Duration
	idleStamp  time.Duration
	accum      uint64 // active µs × kHz
	accumStamp time.Duration
	lastEvalAt time.Duration

	targetMu sync.Mutex
	hyst     hysteresis

	timerMu  sync.Mutex
	primary  clock.Timer
	slack    clock.Timer
	armed    bool
	deadline time.Duration
	gen      uint64
}

func newUnit(id int, g *Group) *unit {
	return &unit{id: id, group: g}
}

func (u *unit) isEnabled() bool {
	u.enableMu.RLock()
	defer u.enableMu.RUnlock()
	return u.enabled
}

func (u *unit) target() uint {
	u.targetMu.Lock()
	defer u.targetMu.Unlock()
	return u.hyst.target
}

// UnitStatus is a point-in-time view of one unit.
type UnitStatus struct {
	Unit       int  `json:"unit"`
	Enabled    bool `json:"enabled"`
	Target     uint `json:"target_khz"`
	Floor      uint `json:"floor_khz"`
	TimerArmed bool `json:"timer_armed"`
}

func (u *unit) status() UnitStatus {
	s := UnitStatus{Unit: u.id, Enabled: u.isEnabled()}
	u.targetMu.Lock()
	s.Target = u.hyst.target
	s.Floor = u.hyst.floor
	u.targetMu.Unlock()
	s.TimerArmed = u.timerPending()
	return s
}
