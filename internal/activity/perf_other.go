//go:build !linux

package activity

import (
	"errors"

	"k8s.io/utils/clock"
)

// NewPerfClock is only available on Linux.
func NewPerfClock(cpus []int, refKHz uint64, clk clock.PassiveClock) (Clock, error) {
	return nil, errors.New("perf activity clock requires linux")
}
