package throttle

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etbd/internal/sensors"
	"etbd/internal/telemetry"
)

// calMotor mimics a throttle on a bench: driving open or closed moves
// the raw sensor voltages.
type calMotor struct {
	fakeMotor
	reg *sensors.Registry
}

func (m *calMotor) Set(duty float64) error {
	switch {
	case duty > 0:
		m.reg.Set(sensors.Tps1Primary, 100, 4.6)
		m.reg.Set(sensors.Tps1Secondary, 100, 0.4)
	case duty < 0:
		m.reg.Set(sensors.Tps1Primary, 0, 0.6)
		m.reg.Set(sensors.Tps1Secondary, 0, 4.4)
	}
	return m.fakeMotor.Set(duty)
}

func TestAutoCalibration(t *testing.T) {
	sink := telemetry.New(prometheus.NewRegistry())
	reg := newEtbRegistry()
	setTps(reg, 10)
	setPedal(reg, 0)

	c := New(0, etbConfig(), Env{Registry: reg, Sink: sink})
	motor := &calMotor{reg: reg}
	ok, err := c.Init(motor)
	require.NoError(t, err)
	require.True(t, ok)

	// Capture the calibration channel during each publish settle.
	type published struct {
		mode  telemetry.CalMode
		value float64
	}
	var seen []published
	origSleep := sleepFn
	sleepFn = func(d time.Duration) {
		if d == autocalPublishSettle {
			mode, value := sink.Calibration()
			seen = append(seen, published{mode, value})
		}
	}
	defer func() { sleepFn = origSleep }()

	c.AutoCalibrate()
	c.Update(time.Unix(0, 0))

	require.Len(t, seen, 4)
	assert.Equal(t, published{telemetry.CalTps1Max, 4.6}, seen[0])
	assert.Equal(t, published{telemetry.CalTps1Min, 0.6}, seen[1])
	assert.Equal(t, published{telemetry.CalTps1SecondaryMax, 0.4}, seen[2])
	assert.Equal(t, published{telemetry.CalTps1SecondaryMin, 4.4}, seen[3])

	// Channel cleared once the slow consumer has had its settles.
	mode, _ := sink.Calibration()
	assert.Equal(t, telemetry.CalNone, mode)

	require.NotEmpty(t, motor.disables)
	assert.Equal(t, "autocal", motor.disables[0])
}

func TestAutoCalibrationAbortsOnNoSpan(t *testing.T) {
	sink := telemetry.New(prometheus.NewRegistry())
	reg := newEtbRegistry()
	setTps(reg, 10)
	setPedal(reg, 0)

	c := New(0, etbConfig(), Env{Registry: reg, Sink: sink})
	// A plain fake motor never moves the sensor: a wiring fault.
	motor := &fakeMotor{}
	ok, err := c.Init(motor)
	require.NoError(t, err)
	require.True(t, ok)

	origSleep := sleepFn
	sleepFn = func(time.Duration) {}
	defer func() { sleepFn = origSleep }()

	c.AutoCalibrate()
	c.Update(time.Unix(0, 0))

	mode, _ := sink.Calibration()
	assert.Equal(t, telemetry.CalNone, mode, "no calibration values may be written on abort")
	require.NotEmpty(t, motor.disables)
	assert.Equal(t, "autocal", motor.disables[0])
}

func TestAutoCalibrationRefusedWhileRunning(t *testing.T) {
	reg := newEtbRegistry()
	setTps(reg, 10)
	setPedal(reg, 0)
	reg.Set(sensors.Rpm, 900, 0)

	c := New(0, etbConfig(), Env{Registry: reg})
	motor := &fakeMotor{}
	ok, err := c.Init(motor)
	require.NoError(t, err)
	require.True(t, ok)

	c.AutoCalibrate()
	c.Update(time.Unix(0, 0))

	assert.Empty(t, motor.duties, "calibration must not drive a spinning engine's throttle")
}
