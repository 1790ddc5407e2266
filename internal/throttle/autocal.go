package throttle

import (
	"log"
	"math"
	"time"

	"etbd/internal/sensors"
	"etbd/internal/telemetry"
)

// Calibration runs open-loop with fixed holds; publish settles give a
// slow diagnostic consumer time to capture each value.
const (
	autocalDriveHold     = time.Second
	autocalReturnHold    = 200 * time.Millisecond
	autocalPublishSettle = 500 * time.Millisecond

	// Anything less than this much raw span between the stops means the
	// throttle never moved: a wiring fault, not a calibration.
	autocalMinSpan = 0.5
)

var sleepFn = time.Sleep

// runAutoCalibration drives the throttle to both physical stops and
// samples the raw value of each redundant channel at each stop. Runs
// within the owning tick; normal closed-loop control for this slot is
// suspended for the duration. Only entered with the engine stopped.
func (c *Controller) runAutoCalibration() {
	if c.env.Registry.GetOrZero(sensors.Rpm) > 0 {
		return
	}

	primary := c.function.primarySensor()
	secondary := c.function.secondarySensor()

	// Drive wide open and hold.
	if err := c.motor.Set(0.5); err != nil {
		log.Printf("throttle %d: autocal drive: %v", c.index, err)
		return
	}
	if err := c.motor.Enable(); err != nil {
		log.Printf("throttle %d: autocal enable: %v", c.index, err)
		return
	}
	sleepFn(autocalDriveHold)
	primaryMax := c.env.Registry.GetRaw(primary)
	secondaryMax := c.env.Registry.GetRaw(secondary)

	// Let the return spring bring it back toward center.
	c.motor.Set(0)
	sleepFn(autocalReturnHold)

	// Drive closed and hold.
	c.motor.Set(-0.5)
	sleepFn(autocalDriveHold)
	primaryMin := c.env.Registry.GetRaw(primary)
	secondaryMin := c.env.Registry.GetRaw(secondary)

	c.motor.Disable("autocal")

	if math.Abs(primaryMax-primaryMin) < autocalMinSpan {
		log.Printf("throttle %d: auto calibrate failed, check wiring (closed %.2fv open %.2fv)",
			c.index, primaryMin, primaryMax)
		return
	}

	for _, sample := range []struct {
		mode  telemetry.CalMode
		value float64
	}{
		{c.function.calModePrimaryMax(), primaryMax},
		{c.function.calModePrimaryMin(), primaryMin},
		{c.function.calModeSecondaryMax(), secondaryMax},
		{c.function.calModeSecondaryMin(), secondaryMin},
	} {
		c.env.Sink.PublishCalibration(sample.mode, sample.value)
		sleepFn(autocalPublishSettle)
	}

	c.env.Sink.PublishCalibration(telemetry.CalNone, 0)
	log.Printf("throttle %d: auto calibrate done (span %.2fv)", c.index, primaryMax-primaryMin)
}
