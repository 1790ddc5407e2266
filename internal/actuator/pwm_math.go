package actuator

import "math"

// periodNSForFrequency converts a PWM carrier frequency to a sysfs period
// in nanoseconds, with a floor of 1ns for absurd inputs.
func periodNSForFrequency(hz int) uint64 {
	if hz <= 0 {
		hz = 1
	}
	periodNS := uint64(1_000_000_000 / hz)
	if periodNS == 0 {
		periodNS = 1
	}
	return periodNS
}

// dutyToNS converts a magnitude fraction [0, 1] to a duty_cycle value for
// the given period.
func dutyToNS(magnitude float64, periodNS uint64) uint64 {
	if magnitude < 0 {
		magnitude = 0
	}
	if magnitude > 1 {
		magnitude = 1
	}
	d := uint64(math.Round(float64(periodNS) * magnitude))
	if d > periodNS {
		d = periodNS
	}
	return d
}
