package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"etbd/internal/config"
	"etbd/internal/sensors"
	"etbd/internal/throttle"
)

func loadTestConfig(t *testing.T) (config.Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "etbd.yaml")
	body := `
control:
  loop_frequency: 500
throttles:
  - function: throttle1
    pid:
      p: 2
      i: 25
    pedal_map:
      x_bins: [0, 8000]
      y_bins: [0, 100]
      values: [[0, 0], [100, 100]]
limp:
  injection_enabled: true
  rpm_hard_limit: 7000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.Load(path)
}

func TestEngineStateTransitions(t *testing.T) {
	reg := sensors.NewRegistry()
	reg.Register(sensors.Rpm)
	e := newEngineState(reg)
	now := time.Now()

	e.Tick(now)
	assert.True(t, e.Stopped())
	assert.False(t, e.Running())
	assert.Zero(t, e.SecondsSinceEngineStart(now))

	// Cranking: spinning but below the running threshold.
	reg.Set(sensors.Rpm, 250, 250)
	e.Tick(now)
	assert.False(t, e.Stopped())
	assert.False(t, e.Running())

	// Running; start time anchored at first revolution.
	reg.Set(sensors.Rpm, 900, 900)
	e.Tick(now.Add(time.Second))
	assert.True(t, e.Running())
	assert.InDelta(t, 2.0, e.SecondsSinceEngineStart(now.Add(2*time.Second)), 1e-9)
}

func TestStopRequestLatchClearsAtZeroRpm(t *testing.T) {
	reg := sensors.NewRegistry()
	reg.Register(sensors.Rpm)
	e := newEngineState(reg)
	now := time.Now()

	reg.Set(sensors.Rpm, 1500, 1500)
	e.Tick(now)

	e.RequestStop()
	assert.True(t, e.StopRequested(now))

	// Holds while the engine still spins.
	reg.Set(sensors.Rpm, 600, 600)
	e.Tick(now.Add(time.Second))
	assert.True(t, e.StopRequested(now))

	reg.Set(sensors.Rpm, 0, 0)
	e.Tick(now.Add(2 * time.Second))
	assert.False(t, e.StopRequested(now))
	// A fresh start cycle gets a fresh start timestamp.
	assert.Zero(t, e.SecondsSinceEngineStart(now.Add(3*time.Second)))
}

func TestThrottleConfigMapping(t *testing.T) {
	cfg, err := loadTestConfig(t)
	assert.NoError(t, err)

	tc := toThrottleConfig(cfg.Throttles[0], cfg.Control.LoopFrequency)
	assert.Equal(t, throttle.Throttle1, tc.Function)
	assert.Equal(t, 2*time.Millisecond, tc.Period)
	assert.NotNil(t, tc.PedalMap)
	assert.Equal(t, -100.0, tc.PID.MinValue)
	assert.Equal(t, 100.0, tc.PID.MaxValue)

	lc := toLimpConfig(cfg.Limp)
	assert.Equal(t, 7000.0, lc.RpmHardLimit)
	assert.Equal(t, 200.0, lc.RpmHardLimitHyst)
}
