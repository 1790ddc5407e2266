// Package limp aggregates every independent "may I inject / fire / move
// the throttle" condition into gated allow-flags with reason codes. It is
// the single authority the fuel, spark and throttle paths consult before
// acting.
package limp

import (
	"log"
	"math"
	"sync"
	"time"

	"etbd/internal/ctlmath"
	"etbd/internal/sensors"
	"etbd/internal/telemetry"
)

// Pedal position above which a stopped engine is treated as a flood-clear
// request.
const cleanupModePedal = 90.0

// Injector duty must drop below this before a duty-cycle cut releases,
// forcing the driver to lift off the pedal.
const injectorDutyResetBelow = 20.0

// Config enables and parameterizes the individual protections. Disabled
// features (zero thresholds, false toggles) become explicit no-ops.
type Config struct {
	InjectionEnabled bool
	IgnitionEnabled  bool

	RpmHardLimit     float64
	RpmHardLimitHyst float64
	UseCltRevLimit   bool
	CltRevLimitCurve ctlmath.Curve

	SoftLimitTimingRetard float64
	SoftLimitFuelAdded    float64
	CutFuelOnHardLimit    bool
	CutSparkOnHardLimit   bool

	BoostCutPressure     float64
	BoostCutPressureHyst float64

	MinOilPressureAfterStart float64
	EnableOilPressureProtect bool
	MinOilPressureCurve      ctlmath.Curve
	MinOilPressureTimeout    time.Duration

	MaxInjectorDutyInstant          float64
	MaxInjectorDutySustained        float64
	MaxInjectorDutySustainedTimeout time.Duration

	CylinderCleanupEnabled    bool
	CutFuelInAcr              bool
	RequirePhaseSyncForFiring bool
	ExternalGdiModule         bool
}

// Inputs bundles the engine-state callbacks the arbiter consumes. Nil
// fields read as "condition not present".
type Inputs struct {
	InjectorDutyCycle       func(rpm float64) float64
	SecondsSinceEngineStart func(now time.Time) float64
	EngineRunning           func() bool
	PhaseSynced             func() bool
	ScriptFuelCut           func() bool
	ScriptIgnitionCut       func() bool
	AcrActive               func() bool
	LambdaCut               func() bool
	LaunchFuelCut           func() bool
	LaunchSparkCut          func() bool
	StopRequested           func(now time.Time) bool
}

// Snapshot is the diagnostics view of the arbiter.
type Snapshot struct {
	AllowInjection   bool    `json:"allow_injection"`
	InjectionReason  string  `json:"injection_reason"`
	AllowIgnition    bool    `json:"allow_ignition"`
	IgnitionReason   string  `json:"ignition_reason"`
	AllowThrottle    bool    `json:"allow_throttle"`
	ThrottleReason   string  `json:"throttle_reason"`
	AllowTrigger     bool    `json:"allow_trigger"`
	RevLimit         float64 `json:"rev_limit_rpm"`
	ResumeRpm        float64 `json:"resume_rpm"`
	FaultRevLimit    float64 `json:"fault_rev_limit_rpm"`
	TimingRetard     float64 `json:"timing_retard_deg"`
	FuelCorrection   float64 `json:"fuel_correction"`
	SecondsSinceCut  float64 `json:"seconds_since_cut"`
	IgnitionSwitchOn bool    `json:"ignition_switch_on"`
}

// Arbiter recomputes the transient allow state every fast tick and holds
// the persistent (fatal-latched) state for the life of the process.
//
// Safe for concurrent use: UpdateState runs on the fast tick, queries run
// from the throttle loop and the web surface.
type Arbiter struct {
	mu       sync.Mutex
	cfg      Config
	in       Inputs
	registry *sensors.Registry
	sink     *telemetry.Sink

	// Persistent layer: cleared only by fatal conditions, restored only
	// by a new init cycle.
	allowEtb          clearable
	allowIgnition     clearable
	allowInjection    clearable
	allowTriggerInput clearable

	// Transient layer: rebuilt from scratch every UpdateState.
	transientInjection clearable
	transientIgnition  clearable

	revLimit       float64
	resumeRpm      float64
	timingRetard   float64
	fuelCorrection float64
	faultRevLimit  float64

	revLimitHyst               ctlmath.Hysteresis
	boostCutHyst               ctlmath.Hysteresis
	injectorDutyLatch          ctlmath.Latch
	injectorDutySustainedTimer ctlmath.Timer
	lowOilPressureTimer        ctlmath.Timer
	lastCutTime                ctlmath.Timer
	gdiCommsTimer              ctlmath.Timer

	hadOilPressureAfterStart bool
	ignitionOn               bool

	nowFn func() time.Time
}

func New(cfg Config, in Inputs, registry *sensors.Registry, sink *telemetry.Sink) *Arbiter {
	a := &Arbiter{
		cfg:      cfg,
		in:       in,
		registry: registry,
		sink:     sink,
		nowFn:    time.Now,
	}
	a.resetLocked()
	a.faultRevLimit = math.MaxFloat64
	return a
}

// Reset restores the persistent allow-flags for a new configuration/init
// cycle. The fault rev limit survives: once degraded, the system stays
// degraded for the run.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Arbiter) resetLocked() {
	a.allowEtb = allowedFlag(true)
	a.allowIgnition = allowedFlag(true)
	a.allowInjection = allowedFlag(true)
	a.allowTriggerInput = allowedFlag(true)
	a.transientInjection = allowedFlag(a.cfg.InjectionEnabled)
	a.transientIgnition = allowedFlag(a.cfg.IgnitionEnabled)
	a.fuelCorrection = 1
}

func (a *Arbiter) updateRevLimitLocked(rpm float64) {
	if a.cfg.UseCltRevLimit && !a.cfg.CltRevLimitCurve.Empty() {
		a.revLimit = a.cfg.CltRevLimitCurve.Lookup(a.registry.GetOrZero(sensors.Clt))
	} else {
		a.revLimit = a.cfg.RpmHardLimit
	}

	// No configured limit means no limiter, hard or soft.
	if a.revLimit <= 0 {
		a.resumeRpm = 0
		a.timingRetard = 0
		a.fuelCorrection = 1
		return
	}

	// Require a configurable rpm drop before resuming.
	a.resumeRpm = a.revLimit - a.cfg.RpmHardLimitHyst

	a.timingRetard = ctlmath.InterpolateClamped(a.resumeRpm, 0, a.revLimit, a.cfg.SoftLimitTimingRetard, rpm)
	fuelAdded := ctlmath.InterpolateClamped(a.resumeRpm, 0, a.revLimit, a.cfg.SoftLimitFuelAdded, rpm)
	a.fuelCorrection = 1 + fuelAdded/100
}

// UpdateState recomputes the transient allow-flags from the current
// readings. Conditions are evaluated in a fixed order; when several clear
// the same flag in one pass, the last evaluated reason is the one
// reported.
func (a *Arbiter) UpdateState(rpm float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allowFuel := allowedFlag(a.cfg.InjectionEnabled)
	allowSpark := allowedFlag(a.cfg.IgnitionEnabled)

	if !a.ignitionOn {
		allowFuel.Clear(IgnitionOff)
		allowSpark.Clear(IgnitionOff)
	}

	if a.cfg.ExternalGdiModule && a.gdiCommsTimer.HasElapsed(now, time.Second) {
		allowFuel.Clear(GdiComms)
	}

	if call(a.in.ScriptIgnitionCut) {
		allowSpark.Clear(Lua)
	}
	if call(a.in.ScriptFuelCut) {
		allowFuel.Clear(Lua)
	}

	// Don't inject during a compression release. It sprays fuel everywhere.
	if a.cfg.CutFuelInAcr && call(a.in.AcrActive) {
		allowFuel.Clear(ACR)
	}

	a.updateRevLimitLocked(rpm)
	if a.revLimit > 0 && a.revLimitHyst.Test(rpm, a.revLimit, a.resumeRpm) {
		if a.cfg.CutFuelOnHardLimit {
			allowFuel.Clear(HardLimit)
		}
		if a.cfg.CutSparkOnHardLimit {
			allowSpark.Clear(HardLimit)
		}
	}

	if call(a.in.LambdaCut) {
		allowFuel.Clear(LambdaProtection)
	}

	if a.cfg.RequirePhaseSyncForFiring && !call(a.in.PhaseSynced) {
		allowFuel.Clear(EnginePhase)
		allowSpark.Clear(EnginePhase)
	}

	// Force fuel limiting at the fault rev limit.
	if rpm > a.faultRevLimit {
		allowFuel.Clear(FaultRevLimit)
	}

	// Limit fuel only on boost pressure; limiting spark bends valves.
	if mapCut := a.cfg.BoostCutPressure; mapCut != 0 {
		if a.boostCutHyst.CheckIfLimitExceeded(a.registry.GetOrZero(sensors.Map), mapCut, a.cfg.BoostCutPressureHyst) {
			allowFuel.Clear(BoostCut)
		}
	}

	a.checkOilPressureLocked(rpm, now, &allowFuel)

	if call1(a.in.StopRequested, now) {
		allowFuel.Clear(StopRequested)
	}

	a.checkInjectorDutyLocked(rpm, now, &allowFuel)

	// Pedal held down while stopped clears a flooded cylinder.
	if a.cfg.CylinderCleanupEnabled && !call(a.in.EngineRunning) &&
		a.registry.GetOrZero(sensors.DriverThrottleIntent) > cleanupModePedal {
		allowFuel.Clear(FloodClear)
	}

	if call(a.in.LaunchFuelCut) {
		allowFuel.Clear(LaunchCut)
	}
	if call(a.in.LaunchSparkCut) {
		allowSpark.Clear(LaunchCut)
	}

	a.noteTransitionLocked("injection", a.transientInjection, allowFuel)
	a.noteTransitionLocked("ignition", a.transientIgnition, allowSpark)

	a.transientInjection = allowFuel
	a.transientIgnition = allowSpark

	if !a.transientInjection.allowed || !a.transientIgnition.allowed {
		// Tracks the last time any cut was active.
		a.lastCutTime.Reset(now)
	}

	a.sink.SetRevLimit(a.revLimit)
}

func (a *Arbiter) checkOilPressureLocked(rpm float64, now time.Time, allowFuel *clearable) {
	if !call(a.in.EngineRunning) {
		// Stalled engine: arm both mechanisms again.
		a.hadOilPressureAfterStart = false
		a.lowOilPressureTimer.Reset(now)
		return
	}

	oilp, oilpValid := a.registry.Get(sensors.OilPressure)

	// Start-up grace: pressure must appear within 5 seconds of start.
	if a.cfg.MinOilPressureAfterStart > 0 && a.registry.Has(sensors.OilPressure) {
		isTimedOut := callSec(a.in.SecondsSinceEngineStart, now) > 5.0

		if !isTimedOut && oilpValid && oilp > a.cfg.MinOilPressureAfterStart {
			a.hadOilPressureAfterStart = true
		}

		if isTimedOut && !a.hadOilPressureAfterStart {
			allowFuel.Clear(OilPressure)
		}
	}

	// Continuous RPM-indexed minimum with its own timeout before the cut.
	if oilpValid && a.cfg.EnableOilPressureProtect {
		minPressure := a.cfg.MinOilPressureCurve.Lookup(rpm)
		if oilp > minPressure {
			a.lowOilPressureTimer.Reset(now)
		}
		if a.lowOilPressureTimer.HasElapsed(now, a.cfg.MinOilPressureTimeout) {
			allowFuel.Clear(OilPressure)
		}
	}
}

func (a *Arbiter) checkInjectorDutyLocked(rpm float64, now time.Time, allowFuel *clearable) {
	if a.in.InjectorDutyCycle == nil {
		return
	}

	// Two triggers: an instantaneous excursion, or a sustained excursion
	// past its own timeout. Running out of injector flow is worse than a
	// rev limit, so cut fuel rather than limp on.
	injDuty := a.in.InjectorDutyCycle(rpm)
	isOverInstant := a.cfg.MaxInjectorDutyInstant > 0 && injDuty > a.cfg.MaxInjectorDutyInstant
	isOverSustained := a.cfg.MaxInjectorDutySustained > 0 && injDuty > a.cfg.MaxInjectorDutySustained
	isUnderLowDuty := injDuty < injectorDutyResetBelow

	if !isOverSustained {
		a.injectorDutySustainedTimer.Reset(now)
	}
	sustainedTimedOut := a.cfg.MaxInjectorDutySustained > 0 &&
		a.injectorDutySustainedTimer.HasElapsed(now, a.cfg.MaxInjectorDutySustainedTimeout)

	if a.injectorDutyLatch.Test(isOverInstant || sustainedTimedOut, isUnderLowDuty) {
		allowFuel.Clear(InjectorDutyCycle)
	}
}

func (a *Arbiter) noteTransitionLocked(what string, prev, next clearable) {
	if prev.allowed == next.allowed && prev.reason == next.reason {
		return
	}
	if !next.allowed {
		log.Printf("limp: %s cut (%s)", what, next.reason)
		a.sink.CountCut(next.reason.String())
	} else {
		log.Printf("limp: %s restored", what)
	}
}

// OnIgnitionStateChanged feeds the physical ignition switch state.
func (a *Arbiter) OnIgnitionStateChanged(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ignitionOn = on
}

// OnGdiComms marks the external GDI module link as alive.
func (a *Arbiter) OnGdiComms(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gdiCommsTimer.Reset(now)
}

// FatalError permanently denies throttle, ignition, injection and trigger
// processing for the rest of the run.
func (a *Arbiter) FatalError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.allowEtb.Clear(Fatal)
	a.allowIgnition.Clear(Fatal)
	a.allowInjection.Clear(Fatal)
	a.allowTriggerInput.Clear(Fatal)

	a.setFaultRevLimitLocked(0)
	log.Printf("limp: fatal error latched")
}

// SetFaultRevLimit lowers the fault-imposed rev limit. The stored limit
// only ever decreases: the worst fault to occur wins for the whole run.
func (a *Arbiter) SetFaultRevLimit(limit float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setFaultRevLimitLocked(limit)
}

func (a *Arbiter) setFaultRevLimitLocked(limit float64) {
	if limit < a.faultRevLimit {
		a.faultRevLimit = limit
	}
}

// AllowElectronicThrottle consults only the persistent layer.
func (a *Arbiter) AllowElectronicThrottle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowEtb.allowed
}

// AllowTriggerInput consults only the persistent layer.
func (a *Arbiter) AllowTriggerInput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowTriggerInput.allowed
}

// AllowInjection combines the persistent and transient layers, reporting
// the reason of whichever layer currently denies.
func (a *Arbiter) AllowInjection() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allowInjection.allowed {
		return State{false, a.allowInjection.reason}
	}
	if !a.transientInjection.allowed {
		return State{false, a.transientInjection.reason}
	}
	return State{Allowed: true, Reason: None}
}

func (a *Arbiter) AllowIgnition() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allowIgnition.allowed {
		return State{false, a.allowIgnition.reason}
	}
	if !a.transientIgnition.allowed {
		return State{false, a.transientIgnition.reason}
	}
	return State{Allowed: true, Reason: None}
}

// GetLimitingTimingRetard is zero unless spark is configured to cut at
// the hard limit.
func (a *Arbiter) GetLimitingTimingRetard() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.CutSparkOnHardLimit {
		return 0
	}
	return a.timingRetard
}

// GetLimitingFuelCorrection is 1.0 (neutral) unless fuel is configured to
// cut at the hard limit.
func (a *Arbiter) GetLimitingFuelCorrection() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.CutFuelOnHardLimit {
		return 1
	}
	return a.fuelCorrection
}

func (a *Arbiter) GetTimeSinceAnyCut() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCutTime.Elapsed(a.nowFn())
}

func (a *Arbiter) Snapshot() Snapshot {
	a.mu.Lock()
	inj := a.transientInjection
	ign := a.transientIgnition
	if !a.allowInjection.allowed {
		inj = a.allowInjection
	}
	if !a.allowIgnition.allowed {
		ign = a.allowIgnition
	}
	snap := Snapshot{
		AllowInjection:   inj.allowed,
		InjectionReason:  inj.reason.String(),
		AllowIgnition:    ign.allowed,
		IgnitionReason:   ign.reason.String(),
		AllowThrottle:    a.allowEtb.allowed,
		ThrottleReason:   a.allowEtb.reason.String(),
		AllowTrigger:     a.allowTriggerInput.allowed,
		RevLimit:         a.revLimit,
		ResumeRpm:        a.resumeRpm,
		FaultRevLimit:    a.faultRevLimit,
		TimingRetard:     a.timingRetard,
		FuelCorrection:   a.fuelCorrection,
		IgnitionSwitchOn: a.ignitionOn,
		SecondsSinceCut:  a.lastCutTime.Elapsed(a.nowFn()).Seconds(),
	}
	a.mu.Unlock()
	return snap
}

func call(fn func() bool) bool {
	return fn != nil && fn()
}

func call1(fn func(time.Time) bool, now time.Time) bool {
	return fn != nil && fn(now)
}

func callSec(fn func(time.Time) float64, now time.Time) float64 {
	if fn == nil {
		return 0
	}
	return fn(now)
}
