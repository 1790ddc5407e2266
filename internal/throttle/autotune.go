package throttle

import (
	"math"

	"etbd/internal/telemetry"
)

// The calibration channel carries etb_kp/ki/kd in enum order.
func calModeForAutotuneParam(param int) telemetry.CalMode {
	return telemetry.CalEtbKp + telemetry.CalMode(param)
}

// Relay drive amplitude, in duty percent.
const autotuneAmplitude = 20.0

// Smoothing for the period and amplitude estimates. The ultimate period
// spans only a handful of loop periods, so the raw measurements are
// noisy.
const autotuneFilterAlpha = 0.05

// closedLoopAutotune implements Åström–Hägglund relay tuning: bang-bang
// drive the output to induce a sustained oscillation around the target,
// then derive the ultimate gain from the oscillation's amplitude and
// period.
func (c *Controller) closedLoopAutotune(target, observation float64) float64 {
	isPositive := observation > target

	// Falling-edge crossing ends one oscillation cycle.
	if !isPositive && c.autotuneLastPositive {
		tu := c.autotuneCycleStart.Elapsed(c.now).Seconds()
		c.autotuneCycleStart.Reset(c.now)

		a := c.maxCycleTps - c.minCycleTps

		c.smoothedAmplitude = autotuneFilterAlpha*a + (1-autotuneFilterAlpha)*c.smoothedAmplitude
		c.smoothedPeriod = autotuneFilterAlpha*tu + (1-autotuneFilterAlpha)*c.smoothedPeriod

		c.minCycleTps = 100
		c.maxCycleTps = 0

		c.publishAutotuneGains()
	}

	c.autotuneLastPositive = isPositive

	// Track the observation envelope within the cycle.
	if observation < c.minCycleTps {
		c.minCycleTps = observation
	}
	if observation > c.maxCycleTps {
		c.maxCycleTps = observation
	}

	// Bang-bang: drive against the sign of the error.
	if isPositive {
		return -autotuneAmplitude
	}
	return autotuneAmplitude
}

// publishAutotuneGains derives PID gains from the current estimates and
// rotates one of P/I/D onto the calibration channel every five cycles,
// giving a slow diagnostic consumer time to capture each.
func (c *Controller) publishAutotuneGains() {
	// Input amplitude is the full relay swing.
	b := 2 * autotuneAmplitude

	// Ultimate gain per the relay tuning rule.
	ku := 4 * b / (math.Pi * c.smoothedAmplitude)

	// Multipliers near the no-overshoot flavor of Ziegler-Nichols.
	kp := 0.35 * ku
	ki := 0.25 * ku / c.smoothedPeriod
	kd := 0.08 * ku * c.smoothedPeriod

	if c.autotuneCounter >= 5 {
		c.autotuneCounter = 0
		c.autotuneParam = (c.autotuneParam + 1) % 3
	}
	c.autotuneCounter++

	var value float64
	switch c.autotuneParam {
	case 0:
		value = kp
	case 1:
		value = ki
	case 2:
		value = kd
	}
	c.env.Sink.PublishCalibration(calModeForAutotuneParam(c.autotuneParam), value)
}
