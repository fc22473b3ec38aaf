// Package activity provides the cumulative idle-time sources the load sampler
// reads. Every Clock shares one monotonic timebase for all units so that
// timestamps taken on different CPUs can be compared.
package activity

import (
	"errors"
	"time"
)

// ErrUnknownUnit is returned for a unit the clock does not track.
var ErrUnknownUnit = errors.New("unknown unit")

// Clock reports how long a unit has been idle since an arbitrary origin,
// together with the timestamp the reading was taken at.
type Clock interface {
	IdleTime(unit int) (idle, now time.Duration, err error)
	Now() time.Duration
}

// Closer is implemented by clocks holding kernel resources.
type Closer interface {
	Close() error
}
