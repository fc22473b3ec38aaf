//go:build linux

package governor

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// setRealtimePriority moves the calling goroutine onto a locked OS thread
// scheduled SCHED_FIFO at priority. Zero leaves the thread alone.
func setRealtimePriority(priority int) error {
	if priority <= 0 {
		return nil
	}
	runtime.LockOSThread()
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return fmt.Errorf("sched_setattr SCHED_FIFO %d: %w", priority, err)
	}
	return nil
}
