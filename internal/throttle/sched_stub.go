//go:build !linux

package throttle

import "errors"

func setRealtimePriority(priority int) error {
	return errors.New("realtime scheduling not supported on this platform")
}
