//go:build !linux

package governor

import "errors"

func setRealtimePriority(priority int) error {
	if priority <= 0 {
		return nil
	}
	return errors.New("realtime priority requires Linux")
}
