package limp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etbd/internal/ctlmath"
	"etbd/internal/sensors"
)

func baseConfig() Config {
	return Config{
		InjectionEnabled:    true,
		IgnitionEnabled:     true,
		RpmHardLimit:        7000,
		RpmHardLimitHyst:    250,
		CutFuelOnHardLimit:  true,
		CutSparkOnHardLimit: true,
	}
}

func runningInputs() Inputs {
	return Inputs{
		EngineRunning: func() bool { return true },
	}
}

func newTestArbiter(cfg Config, in Inputs) (*Arbiter, *sensors.Registry) {
	reg := sensors.NewRegistry()
	a := New(cfg, in, reg, nil)
	a.OnIgnitionStateChanged(true)
	return a, reg
}

func TestAllowsEverythingAtIdle(t *testing.T) {
	a, _ := newTestArbiter(baseConfig(), runningInputs())

	a.UpdateState(900, time.Unix(0, 0))

	assert.True(t, a.AllowInjection().Allowed)
	assert.True(t, a.AllowIgnition().Allowed)
	assert.True(t, a.AllowElectronicThrottle())
	assert.True(t, a.AllowTriggerInput())
}

func TestIgnitionOffCutsBoth(t *testing.T) {
	a, _ := newTestArbiter(baseConfig(), runningInputs())
	a.OnIgnitionStateChanged(false)

	a.UpdateState(900, time.Unix(0, 0))

	inj := a.AllowInjection()
	require.False(t, inj.Allowed)
	assert.Equal(t, IgnitionOff, inj.Reason)
	ign := a.AllowIgnition()
	require.False(t, ign.Allowed)
	assert.Equal(t, IgnitionOff, ign.Reason)
	// The throttle gate lives in the persistent layer and stays open.
	assert.True(t, a.AllowElectronicThrottle())
}

func TestUnconfiguredRevLimitIsInert(t *testing.T) {
	cfg := Config{
		InjectionEnabled:    true,
		IgnitionEnabled:     true,
		CutFuelOnHardLimit:  true,
		CutSparkOnHardLimit: true,
	}
	a, _ := newTestArbiter(cfg, runningInputs())

	// A zero limit must never fire the cut or the soft zone.
	for _, rpm := range []float64{0, 800, 9000} {
		a.UpdateState(rpm, time.Unix(0, 0))
		assert.True(t, a.AllowInjection().Allowed, "rpm %v", rpm)
		assert.True(t, a.AllowIgnition().Allowed, "rpm %v", rpm)
		assert.Zero(t, a.GetLimitingTimingRetard(), "rpm %v", rpm)
		assert.Equal(t, 1.0, a.GetLimitingFuelCorrection(), "rpm %v", rpm)
	}
}

func TestHardRevLimitHysteresis(t *testing.T) {
	a, _ := newTestArbiter(baseConfig(), runningInputs())
	now := time.Unix(0, 0)

	a.UpdateState(6900, now)
	assert.True(t, a.AllowInjection().Allowed)

	// Over the limit: cut engages.
	a.UpdateState(7100, now)
	st := a.AllowInjection()
	require.False(t, st.Allowed)
	assert.Equal(t, HardLimit, st.Reason)
	assert.Equal(t, HardLimit, a.AllowIgnition().Reason)

	// Below the limit, above resume: cut holds.
	a.UpdateState(6900, now)
	assert.False(t, a.AllowInjection().Allowed)
	a.UpdateState(6800, now)
	assert.False(t, a.AllowInjection().Allowed)

	// At resume RPM (limit - hysteresis) the cut releases.
	a.UpdateState(6750, now)
	assert.True(t, a.AllowInjection().Allowed)
}

func TestSoftLimitZoneIndependentOfCut(t *testing.T) {
	cfg := baseConfig()
	cfg.SoftLimitTimingRetard = 8
	cfg.SoftLimitFuelAdded = 10
	a, _ := newTestArbiter(cfg, runningInputs())

	// Below resume RPM: neutral.
	a.UpdateState(6000, time.Unix(0, 0))
	assert.Equal(t, 0.0, a.GetLimitingTimingRetard())
	assert.Equal(t, 1.0, a.GetLimitingFuelCorrection())

	// Halfway between resume (6750) and limit (7000).
	a.UpdateState(6875, time.Unix(0, 0))
	assert.InDelta(t, 4.0, a.GetLimitingTimingRetard(), 1e-9)
	assert.InDelta(t, 1.05, a.GetLimitingFuelCorrection(), 1e-9)

	// At the limit: full configured values.
	a.UpdateState(7000, time.Unix(0, 0))
	assert.InDelta(t, 8.0, a.GetLimitingTimingRetard(), 1e-9)
	assert.InDelta(t, 1.10, a.GetLimitingFuelCorrection(), 1e-9)
}

func TestSoftLimitNeutralWhenCutsDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.CutFuelOnHardLimit = false
	cfg.CutSparkOnHardLimit = false
	cfg.SoftLimitTimingRetard = 8
	cfg.SoftLimitFuelAdded = 10
	a, _ := newTestArbiter(cfg, runningInputs())

	a.UpdateState(7000, time.Unix(0, 0))
	assert.Equal(t, 0.0, a.GetLimitingTimingRetard())
	assert.Equal(t, 1.0, a.GetLimitingFuelCorrection())
}

func TestCltBasedRevLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.UseCltRevLimit = true
	cfg.CltRevLimitCurve = ctlmath.Curve{
		Bins:   []float64{-20, 60, 90},
		Values: []float64{4000, 7000, 7000},
	}
	a, reg := newTestArbiter(cfg, runningInputs())
	reg.Set(sensors.Clt, -20, 0)

	// Cold engine: limit comes from the curve.
	a.UpdateState(4500, time.Unix(0, 0))
	assert.False(t, a.AllowInjection().Allowed)

	reg.Set(sensors.Clt, 90, 0)
	a.UpdateState(4500, time.Unix(0, 0))
	// Warm limit is 7000; must recover once below the (new) resume RPM.
	assert.True(t, a.AllowInjection().Allowed)
}

func TestFaultRevLimitMonotone(t *testing.T) {
	a, _ := newTestArbiter(baseConfig(), runningInputs())

	a.SetFaultRevLimit(3000)
	a.UpdateState(3500, time.Unix(0, 0))
	st := a.AllowInjection()
	require.False(t, st.Allowed)
	assert.Equal(t, FaultRevLimit, st.Reason)

	// Raising the limit is ignored; the worst fault wins for the run.
	a.SetFaultRevLimit(6000)
	a.UpdateState(3500, time.Unix(0, 0))
	assert.False(t, a.AllowInjection().Allowed)

	a.SetFaultRevLimit(1000)
	a.UpdateState(1500, time.Unix(0, 0))
	assert.False(t, a.AllowInjection().Allowed)
}

func TestFatalErrorLatches(t *testing.T) {
	a, _ := newTestArbiter(baseConfig(), runningInputs())

	a.FatalError()

	assert.False(t, a.AllowElectronicThrottle())
	assert.False(t, a.AllowTriggerInput())
	st := a.AllowInjection()
	require.False(t, st.Allowed)
	assert.Equal(t, Fatal, st.Reason)
	assert.Equal(t, Fatal, a.AllowIgnition().Reason)

	// No amount of healthy updates restores the persistent layer.
	for i := 0; i < 10; i++ {
		a.UpdateState(900, time.Unix(int64(i), 0))
	}
	assert.False(t, a.AllowElectronicThrottle())
	assert.Equal(t, Fatal, a.AllowInjection().Reason)
}

func TestBoostCutWithHysteresis(t *testing.T) {
	cfg := baseConfig()
	cfg.BoostCutPressure = 200
	cfg.BoostCutPressureHyst = 20
	a, reg := newTestArbiter(cfg, runningInputs())
	now := time.Unix(0, 0)

	reg.Set(sensors.Map, 210, 0)
	a.UpdateState(3000, now)
	assert.Equal(t, BoostCut, a.AllowInjection().Reason)

	// Must drop the full hysteresis band to resume.
	reg.Set(sensors.Map, 190, 0)
	a.UpdateState(3000, now)
	assert.False(t, a.AllowInjection().Allowed)

	reg.Set(sensors.Map, 180, 0)
	a.UpdateState(3000, now)
	assert.True(t, a.AllowInjection().Allowed)
}

func TestOilPressureStartupGrace(t *testing.T) {
	cfg := baseConfig()
	cfg.MinOilPressureAfterStart = 100
	start := time.Unix(100, 0)
	sinceStart := func(now time.Time) float64 { return now.Sub(start).Seconds() }

	in := runningInputs()
	in.SecondsSinceEngineStart = sinceStart
	a, reg := newTestArbiter(cfg, in)
	reg.Register(sensors.OilPressure)

	// Within the grace window, no pressure yet: still allowed.
	a.UpdateState(1200, start.Add(2*time.Second))
	assert.True(t, a.AllowInjection().Allowed)

	// Window expires with no pressure ever seen: cut.
	a.UpdateState(1200, start.Add(6*time.Second))
	assert.Equal(t, OilPressure, a.AllowInjection().Reason)
}

func TestOilPressureGraceSatisfiedByEarlyPressure(t *testing.T) {
	cfg := baseConfig()
	cfg.MinOilPressureAfterStart = 100
	start := time.Unix(100, 0)

	in := runningInputs()
	in.SecondsSinceEngineStart = func(now time.Time) float64 { return now.Sub(start).Seconds() }
	a, reg := newTestArbiter(cfg, in)

	reg.Set(sensors.OilPressure, 250, 0)
	a.UpdateState(1200, start.Add(2*time.Second))

	// Pressure seen in time: the flag holds even if the sensor later
	// reads low within this mechanism.
	reg.Set(sensors.OilPressure, 250, 0)
	a.UpdateState(1200, start.Add(10*time.Second))
	assert.True(t, a.AllowInjection().Allowed)
}

func TestOilPressureContinuousProtection(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableOilPressureProtect = true
	cfg.MinOilPressureCurve = ctlmath.Curve{
		Bins:   []float64{1000, 6000},
		Values: []float64{50, 300},
	}
	cfg.MinOilPressureTimeout = time.Second
	a, reg := newTestArbiter(cfg, runningInputs())
	now := time.Unix(0, 0)

	reg.Set(sensors.OilPressure, 400, 0)
	a.UpdateState(3000, now)
	assert.True(t, a.AllowInjection().Allowed)

	// Pressure collapses; cut only after the timeout elapses.
	reg.Set(sensors.OilPressure, 20, 0)
	a.UpdateState(3000, now.Add(100*time.Millisecond))
	assert.True(t, a.AllowInjection().Allowed)
	a.UpdateState(3000, now.Add(1200*time.Millisecond))
	assert.Equal(t, OilPressure, a.AllowInjection().Reason)

	// Pressure recovery resets the timer and restores fuel.
	reg.Set(sensors.OilPressure, 400, 0)
	a.UpdateState(3000, now.Add(1300*time.Millisecond))
	assert.True(t, a.AllowInjection().Allowed)
}

func TestInjectorDutyCut(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInjectorDutyInstant = 96
	cfg.MaxInjectorDutySustained = 85
	cfg.MaxInjectorDutySustainedTimeout = time.Second

	duty := 50.0
	in := runningInputs()
	in.InjectorDutyCycle = func(rpm float64) float64 { return duty }
	a, _ := newTestArbiter(cfg, in)
	now := time.Unix(0, 0)

	a.UpdateState(5000, now)
	assert.True(t, a.AllowInjection().Allowed)

	// Sustained excursion: no cut until the timeout has fully elapsed.
	duty = 90
	a.UpdateState(5000, now.Add(100*time.Millisecond))
	assert.True(t, a.AllowInjection().Allowed)
	a.UpdateState(5000, now.Add(600*time.Millisecond))
	assert.True(t, a.AllowInjection().Allowed)
	a.UpdateState(5000, now.Add(1100*time.Millisecond))
	assert.Equal(t, InjectorDutyCycle, a.AllowInjection().Reason)

	// Dropping below the sustained threshold is not enough to release.
	duty = 60
	a.UpdateState(5000, now.Add(1200*time.Millisecond))
	assert.False(t, a.AllowInjection().Allowed)

	// Only under 20% duty does the latch reset.
	duty = 15
	a.UpdateState(5000, now.Add(1300*time.Millisecond))
	assert.True(t, a.AllowInjection().Allowed)
}

func TestInjectorDutyInstantCut(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInjectorDutyInstant = 96
	cfg.MaxInjectorDutySustained = 85
	cfg.MaxInjectorDutySustainedTimeout = 10 * time.Second

	duty := 98.0
	in := runningInputs()
	in.InjectorDutyCycle = func(rpm float64) float64 { return duty }
	a, _ := newTestArbiter(cfg, in)

	// An instantaneous excursion cuts immediately, no timeout.
	a.UpdateState(6000, time.Unix(1, 0))
	assert.Equal(t, InjectorDutyCycle, a.AllowInjection().Reason)
}

func TestFloodClear(t *testing.T) {
	cfg := baseConfig()
	cfg.CylinderCleanupEnabled = true
	running := false
	in := Inputs{EngineRunning: func() bool { return running }}
	a, reg := newTestArbiter(cfg, in)

	reg.Set(sensors.Pedal, 95, 0)
	a.UpdateState(0, time.Unix(0, 0))
	assert.Equal(t, FloodClear, a.AllowInjection().Reason)

	// Once the engine runs, the pedal position no longer cuts fuel.
	running = true
	a.UpdateState(1200, time.Unix(1, 0))
	assert.True(t, a.AllowInjection().Allowed)
}

func TestLastReasonWinsWithinOnePass(t *testing.T) {
	// Both the hard limit and the fault rev limit clear fuel in one pass;
	// the fault limit is evaluated later and must own the reason.
	cfg := baseConfig()
	a, _ := newTestArbiter(cfg, runningInputs())
	a.SetFaultRevLimit(5000)

	a.UpdateState(7500, time.Unix(0, 0))
	st := a.AllowInjection()
	require.False(t, st.Allowed)
	assert.Equal(t, FaultRevLimit, st.Reason)
}

func TestTimeSinceAnyCut(t *testing.T) {
	a, _ := newTestArbiter(baseConfig(), runningInputs())
	base := time.Unix(1000, 0)
	a.nowFn = func() time.Time { return base.Add(3 * time.Second) }

	a.UpdateState(7500, base)
	assert.InDelta(t, 3.0, a.GetTimeSinceAnyCut().Seconds(), 1e-9)
}

func TestLaunchAndScriptCuts(t *testing.T) {
	in := runningInputs()
	fuelCut, sparkCut := false, false
	in.ScriptFuelCut = func() bool { return fuelCut }
	in.ScriptIgnitionCut = func() bool { return sparkCut }
	in.LaunchSparkCut = func() bool { return true }
	a, _ := newTestArbiter(baseConfig(), in)

	a.UpdateState(3000, time.Unix(0, 0))
	assert.Equal(t, LaunchCut, a.AllowIgnition().Reason)
	assert.True(t, a.AllowInjection().Allowed)

	fuelCut = true
	a.UpdateState(3000, time.Unix(1, 0))
	assert.Equal(t, Lua, a.AllowInjection().Reason)
}
