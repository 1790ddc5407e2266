//go:build linux

package throttle

import "golang.org/x/sys/unix"

// setRealtimePriority moves the calling thread into SCHED_FIFO so the
// control loop preempts best-effort work. Must run on a locked OS
// thread.
func setRealtimePriority(priority int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	return unix.SchedSetAttr(0, &attr, 0)
}
