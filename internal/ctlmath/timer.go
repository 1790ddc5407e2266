package ctlmath

import "time"

// Timer measures elapsed time since its last reset against a monotonic
// clock supplied by the caller. It never blocks; "timeout" is always an
// elapsed-time comparison.
//
// The zero value behaves as if reset infinitely long ago.
type Timer struct {
	last  time.Time
	armed bool
}

func (t *Timer) Reset(now time.Time) {
	t.last = now
	t.armed = true
}

// Elapsed returns the time since the last reset, or a very large duration
// if the timer was never reset.
func (t *Timer) Elapsed(now time.Time) time.Duration {
	if !t.armed {
		return time.Duration(1<<62 - 1)
	}
	d := now.Sub(t.last)
	if d < 0 {
		return 0
	}
	return d
}

func (t *Timer) HasElapsed(now time.Time, d time.Duration) bool {
	return t.Elapsed(now) >= d
}
