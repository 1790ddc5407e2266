package throttle

import (
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"etbd/internal/actuator"
	"etbd/internal/ctlmath"
	"etbd/internal/limp"
	"etbd/internal/pid"
	"etbd/internal/sensors"
	"etbd/internal/telemetry"
)

// Motor duty is hard-limited regardless of computed output to avoid
// saturation edge effects.
const dutyLimit = 0.9

// Consecutive new-fault edges tolerated before a sensor is declared
// intermittent.
const intermittentLimit = 50

// Trim table influence is bounded so a bad calibration cannot run away
// with the target.
const trimLimit = 10.0

// ErrNotRedundant is returned by Init when a throttle-function slot is
// bound to a position or pedal sensor that is not a cross-checked
// redundant pair. This is a wiring/configuration fault and aborts
// startup rather than degrading.
var ErrNotRedundant = errors.New("throttle: sensor must be redundant for electronic throttle use")

// Config is the read-only per-slot tuning record. Tables are rebuilt
// only from a configuration-reload context with control stopped.
type Config struct {
	Function Function

	PID      pid.Params
	ITermMin float64
	ITermMax float64

	// Control loop period, used for integration. Must match the tick
	// the service drives Update at.
	Period time.Duration

	// PedalMap is the (rpm, pedal %) -> target % surface. A throttle
	// slot without one produces no setpoint.
	PedalMap *ctlmath.Table

	// TrimTable is the (rpm, target %) -> trim % adjustment this slot
	// alone needs.
	TrimTable ctlmath.Table

	// TractionDropTable is the (wheel slip ratio, vehicle speed) ->
	// throttle drop % surface. Values are added to the target, so drop
	// entries are negative.
	TractionDropTable ctlmath.Table

	// BiasCurve is the target % -> feed-forward duty % curve.
	BiasCurve ctlmath.Curve

	// IdleThrottleRange is the percent of throttle range handed to the
	// idle controller: idle position 100% lifts the closed-pedal target
	// by this much.
	IdleThrottleRange float64

	// AntilagAdd is added to the target while the anti-lag condition
	// holds.
	AntilagAdd float64

	MinPosition float64
	MaxPosition float64

	// Above RevLimitStart the target tapers linearly to zero across
	// RevLimitRange rpm. Zero disables.
	RevLimitStart float64
	RevLimitRange float64

	DutyAverageLength int
	DutyRocLength     int

	// Jam detection: integral term magnitude above JamIntegratorLimit
	// for longer than JamTimeout latches the (diagnostic) jam flag.
	// Zero limit disables.
	JamIntegratorLimit float64
	JamTimeout         time.Duration

	DisableWhenEngineStopped bool
}

// Env bundles the process-wide collaborators shared by all slots.
// Callback fields may be nil.
type Env struct {
	Registry *sensors.Registry
	Arbiter  *limp.Arbiter
	Sink     *telemetry.Sink

	EngineRunning     func() bool
	SensorsShouldWork func() bool
	AntilagActive     func() bool

	// BoardAdjustTarget is the board-specific target adjustment hook.
	BoardAdjustTarget func(target float64) float64
}

// Snapshot is the diagnostics view of one controller.
type Snapshot struct {
	Function         string  `json:"function"`
	Status           string  `json:"status"`
	Target           float64 `json:"target_percent"`
	Position         float64 `json:"position_percent"`
	Output           float64 `json:"output_percent"`
	DutyAverage      float64 `json:"duty_average"`
	DutyRateOfChange float64 `json:"duty_rate_of_change"`
	Trim             float64 `json:"trim_percent"`
	TractionDrop     float64 `json:"traction_drop_percent"`
	RevLimitActive   bool    `json:"rev_limit_active"`
	Autotune         bool    `json:"autotune"`
	JamDetected      bool    `json:"jam_detected"`
	JamTimer         float64 `json:"jam_timer_sec"`
	TpsErrorCounter  int     `json:"tps_error_counter"`
	PpsErrorCounter  int     `json:"pps_error_counter"`
}

// atomicFloat holds a float64 written from a lower-priority context and
// read at the start of a control tick.
type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }

// Controller runs one actuator slot. All control state is owned by the
// scheduled Update tick; externally-invoked setters go through atomics
// consumed at the start of the next tick.
type Controller struct {
	index int
	cfg   Config
	env   Env

	function       Function
	positionSensor sensors.Type
	motor          actuator.Motor

	pid        *pid.PID
	errorAccum ctlmath.ErrorAccumulator
	dutyAvg    ctlmath.ExpAverage
	dutyRoc    ctlmath.ExpAverage

	// Cross-context setters.
	idlePosition      atomicFloat
	wastegatePosition atomicFloat
	luaAdjustment     atomicFloat
	luaAdjustmentAt   atomic.Int64 // unix nanos of the last SetLuaAdjustment
	manualDuty        atomicFloat  // NaN when no override is active
	autotuneFlag      atomic.Bool
	scriptDisable     atomic.Bool
	pause             atomic.Bool
	autocalRequest    atomic.Bool

	// Tick-owned state.
	now            time.Time
	shouldResetPid bool
	isAutotune     bool
	status         Status
	currentTarget  float64
	trim           float64
	tractionDrop   float64
	revLimitActive bool
	prevOutput     float64
	dutyAverage    float64
	dutyROC        float64
	lastPosition   float64

	tpsErrorCounter int
	ppsErrorCounter int
	hadTpsError     bool
	hadPpsError     bool

	accumWarned bool

	jamTimer    ctlmath.Timer
	jamDetected bool
	jamElapsed  float64

	// Relay autotune working state.
	autotuneLastPositive bool
	autotuneCycleStart   ctlmath.Timer
	minCycleTps          float64
	maxCycleTps          float64
	smoothedAmplitude    float64
	smoothedPeriod       float64
	autotuneCounter      int
	autotuneParam        int

	nowFn func() time.Time

	snapMu sync.RWMutex
	snap   Snapshot
}

// New builds an unbound controller for one slot. Init must succeed
// before Update produces output.
func New(index int, cfg Config, env Env) *Controller {
	if cfg.Period <= 0 {
		cfg.Period = 2 * time.Millisecond
	}
	if cfg.DutyAverageLength <= 0 {
		cfg.DutyAverageLength = 50
	}
	if cfg.DutyRocLength <= 0 {
		cfg.DutyRocLength = 50
	}
	c := &Controller{
		index: index,
		cfg:   cfg,
		env:   env,
		nowFn: time.Now,
	}
	c.manualDuty.Store(math.NaN())
	c.dutyAvg.Init(cfg.DutyAverageLength)
	c.dutyRoc.Init(cfg.DutyRocLength)
	c.minCycleTps = 100
	c.maxCycleTps = 0
	return c
}

func (c *Controller) Function() Function { return c.function }

// Init binds the motor and validates the sensor topology for the
// configured function. Returns (false, nil) when the slot is simply not
// configured for electronic throttle use, and ErrNotRedundant when it
// is but its position or pedal sensor lacks a redundant pair.
func (c *Controller) Init(motor actuator.Motor) (bool, error) {
	c.function = c.cfg.Function
	c.positionSensor = c.function.positionSensor()

	if c.function == None {
		c.setStatus(StatusNone)
		return false, nil
	}

	if c.function.isThrottle() {
		// Throttle slots require a pedal and a fully redundant sensor
		// topology; anything less fails closed at configuration time.
		if !c.env.Registry.Has(sensors.Pedal) {
			c.setStatus(StatusNone)
			return false, nil
		}
		if !c.env.Registry.Has(c.positionSensor) {
			c.setStatus(StatusTpsError)
			return false, nil
		}
		if !c.env.Registry.IsRedundant(c.positionSensor) {
			c.setStatus(StatusRedundancy)
			return false, ErrNotRedundant
		}
		if !c.env.Registry.IsRedundant(sensors.Pedal) {
			c.setStatus(StatusRedundancy)
			return false, ErrNotRedundant
		}
	}

	c.motor = motor
	c.pid = pid.New(c.cfg.PID)
	c.pid.SetITermLimits(c.cfg.ITermMin, c.cfg.ITermMax)

	// Ignore 3% position error before complaining.
	c.errorAccum.Init(3.0, c.cfg.Period.Seconds())

	c.Reset()
	return true, nil
}

// Reset clears runtime state: PID internals (on next use), duty
// averages and the fault edge counters.
func (c *Controller) Reset() {
	c.shouldResetPid = true
	c.dutyAverage = 0
	c.dutyROC = 0
	c.dutyAvg.Reset()
	c.dutyRoc.Reset()
	c.tpsErrorCounter = 0
	c.ppsErrorCounter = 0
	c.errorAccum.Reset()
	c.manualDuty.Store(math.NaN())
}

// SetIdlePosition feeds the idle controller's requested position.
func (c *Controller) SetIdlePosition(pos float64) { c.idlePosition.Store(pos) }

// SetWastegatePosition feeds the boost controller's requested position.
func (c *Controller) SetWastegatePosition(pos float64) { c.wastegatePosition.Store(pos) }

// SetLuaAdjustment applies a script-driven target adjustment. Positive
// opens the throttle. The adjustment expires 0.2s after the last call
// so a hung script cannot hold the throttle.
func (c *Controller) SetLuaAdjustment(adjustment float64) {
	c.luaAdjustment.Store(adjustment)
	c.luaAdjustmentAt.Store(c.nowFn().UnixNano())
}

func (c *Controller) getLuaAdjustment(now time.Time) float64 {
	at := c.luaAdjustmentAt.Load()
	if at == 0 || now.UnixNano()-at > int64(200*time.Millisecond) {
		return 0
	}
	return c.luaAdjustment.Load()
}

// SetManualDuty overrides the control loop with a direct duty, given in
// percent. The override persists until ClearManualDuty.
func (c *Controller) SetManualDuty(percent float64) {
	c.manualDuty.Store(ctlmath.Clamp(0.01*percent, -dutyLimit, dutyLimit))
}

func (c *Controller) ClearManualDuty() { c.manualDuty.Store(math.NaN()) }

// SetAutotune arms or disarms relay autotune. It only engages on the
// primary throttle with the engine stopped.
func (c *Controller) SetAutotune(enabled bool) { c.autotuneFlag.Store(enabled) }

// SetScriptDisable lets a script deny this slot's output.
func (c *Controller) SetScriptDisable(disabled bool) { c.scriptDisable.Store(disabled) }

// SetPause suspends motor output without tearing down control state.
func (c *Controller) SetPause(paused bool) { c.pause.Store(paused) }

// AutoCalibrate schedules the calibration sequence for the next tick.
// Only throttle slots calibrate.
func (c *Controller) AutoCalibrate() {
	if c.function.isThrottle() {
		c.autocalRequest.Store(true)
	}
}

// GetSetpoint computes the current target position. The bool is false
// when no setpoint can be produced (unconfigured slot, no pedal map).
func (c *Controller) GetSetpoint() (float64, bool) {
	switch c.function {
	case Throttle1, Throttle2:
		return c.getSetpointEtb()
	case IdleValve:
		// Direct positional control: the idle controller owns the
		// target outright.
		target := ctlmath.ClampPercent(c.idlePosition.Load())
		c.currentTarget = target
		return target, true
	case Wastegate:
		target := ctlmath.ClampPercent(c.wastegatePosition.Load())
		c.currentTarget = target
		return target, true
	default:
		return 0, false
	}
}

// sanitizedPedal treats a failed pedal sensor as 0%: fail closed toward
// idle, not toward wide-open.
func (c *Controller) sanitizedPedal() float64 {
	v, ok := c.env.Registry.Get(sensors.Pedal)
	if !ok {
		return 0
	}
	return ctlmath.ClampPercent(v)
}

func (c *Controller) getSetpointEtb() (float64, bool) {
	// Autotune runs against a fixed mid-range target, well away from
	// the return spring and in the linear region.
	if c.isAutotune {
		return 50.0, true
	}

	if c.cfg.PedalMap == nil {
		return 0, false
	}

	rpm := c.env.Registry.GetOrZero(sensors.Rpm)
	base := c.cfg.PedalMap.Lookup(rpm, c.sanitizedPedal())

	// The idle adder compresses the pedal map's range upward:
	// [0, 100] -> [idle, 100], so closed pedal targets the idle
	// position and full pedal still reaches 100.
	idleAddition := 0.01 * c.cfg.IdleThrottleRange * ctlmath.ClampPercent(c.idlePosition.Load())
	target := ctlmath.InterpolateClamped(0, idleAddition, 100, 100, base)

	target += c.getLuaAdjustment(c.now)
	if c.env.BoardAdjustTarget != nil {
		target = c.env.BoardAdjustTarget(target)
	}

	if c.env.AntilagActive != nil && c.env.AntilagActive() {
		target += c.cfg.AntilagAdd
	}

	wheelSlip := c.env.Registry.GetOrZero(sensors.WheelSlipRatio)
	vehicleSpeed := c.env.Registry.GetOrZero(sensors.VehicleSpeed)
	c.tractionDrop = c.cfg.TractionDropTable.Lookup(wheelSlip, vehicleSpeed)

	c.trim = ctlmath.Clamp(c.cfg.TrimTable.Lookup(rpm, target), -trimLimit, trimLimit)
	target += c.trim + c.tractionDrop

	// Clamp before the rev limiter so an out-of-range target cannot
	// defeat the taper.
	target = ctlmath.ClampPercent(target)

	if limitStart := c.cfg.RevLimitStart; limitStart != 0 {
		fullyLimited := limitStart + c.cfg.RevLimitRange
		before := target
		target = ctlmath.InterpolateClamped(limitStart, target, fullyLimited, 0, rpm)
		c.revLimitActive = math.Abs(target-before) > 0.1
	}

	maxPosition := math.Min(c.cfg.MaxPosition, 100)
	target = ctlmath.Clamp(target, c.cfg.MinPosition, maxPosition)

	c.currentTarget = target
	return target, true
}

// GetOpenLoop returns the feed-forward duty for the target. Wastegate
// and idle-valve motors are assumed to need no static bias.
func (c *Controller) GetOpenLoop(target float64) float64 {
	if c.function == Wastegate || c.function == IdleValve {
		return 0
	}
	return c.cfg.BiasCurve.Lookup(target)
}

// GetClosedLoop computes the feedback portion of the output: relay
// autotune while tuning, PID otherwise.
func (c *Controller) GetClosedLoop(target, observation float64) (float64, bool) {
	if c.shouldResetPid {
		c.pid.Reset()
		c.shouldResetPid = false
	}

	if c.isAutotune {
		return c.closedLoopAutotune(target, observation), true
	}

	// Bound how long a small error is tolerated. Diagnostic only for
	// now: warn above 10 percent-seconds, no cut.
	excess := c.errorAccum.Accumulate(target - observation)
	if excess > 10.0 {
		if !c.accumWarned {
			log.Printf("throttle %d: accumulated position error %.1f percent-seconds", c.index, excess)
			c.accumWarned = true
		}
	} else {
		c.accumWarned = false
	}

	return c.pid.Output(target, observation, c.cfg.Period.Seconds()), true
}

// SetOutput is the single point where the arbiter's allow-decision
// gates physical actuation.
func (c *Controller) SetOutput(value float64, ok bool) {
	if c.motor == nil {
		return
	}

	if !c.function.isThrottle() ||
		(c.env.Arbiter.AllowElectronicThrottle() && ok && !c.pause.Load()) {
		if err := c.motor.Enable(); err != nil {
			log.Printf("throttle %d: motor enable: %v", c.index, err)
			return
		}
		if err := c.motor.Set(ctlmath.Clamp(0.01*value, -dutyLimit, dutyLimit)); err != nil {
			log.Printf("throttle %d: motor set: %v", c.index, err)
		}
	} else {
		c.motor.Disable("no-ETB")
	}
}

// CheckStatus evaluates autotune entry and debounces sensor faults,
// recording a fault code. Returns true when output may proceed.
func (c *Controller) CheckStatus() bool {
	if !c.function.isThrottle() {
		return true
	}

	c.pid.SetITermLimits(c.cfg.ITermMin, c.cfg.ITermMax)

	// Autotune only with a stopped engine, and only on the first
	// throttle.
	c.isAutotune = c.env.Registry.GetOrZero(sensors.Rpm) == 0 &&
		c.autotuneFlag.Load() &&
		c.function == Throttle1

	shouldCheck := c.env.SensorsShouldWork == nil || c.env.SensorsShouldWork()

	if !c.isAutotune && shouldCheck {
		// Count only the 0->1 edges of invalidity so one long outage
		// is one fault, not fifty.
		_, tpsValid := c.env.Registry.Get(c.positionSensor)
		if !tpsValid && !c.hadTpsError {
			c.tpsErrorCounter++
		}
		c.hadTpsError = !tpsValid

		_, ppsValid := c.env.Registry.Get(sensors.Pedal)
		if !ppsValid && !c.hadPpsError {
			c.ppsErrorCounter++
		}
		c.hadPpsError = !ppsValid
	} else {
		// Sensors are expected to be out, or autotune is driving the
		// plant open-loop.
		c.tpsErrorCounter = 0
		c.ppsErrorCounter = 0
	}

	status := StatusNone
	switch {
	case c.tpsErrorCounter > intermittentLimit:
		status = StatusIntermittentTps
	case c.cfg.DisableWhenEngineStopped && c.env.EngineRunning != nil && !c.env.EngineRunning():
		status = StatusEngineStopped
	case c.ppsErrorCounter > intermittentLimit:
		status = StatusIntermittentPps
	case c.scriptDisable.Load():
		status = StatusScriptDisabled
	}
	c.setStatus(status)

	return status == StatusNone
}

func (c *Controller) setStatus(status Status) {
	if c.status != status {
		log.Printf("throttle %d: status %s -> %s", c.index, c.status, status)
		c.status = status
	}
	c.env.Sink.SetThrottleFault(c.index, int(status))
}

// Update is the fast-tick entry point.
func (c *Controller) Update(now time.Time) {
	if c.motor == nil {
		return
	}
	c.now = now

	if c.autocalRequest.CompareAndSwap(true, false) {
		c.runAutoCalibration()
		c.publishSnapshot()
		return
	}

	// A direct duty override bypasses all control math. The bridge may
	// have been disabled by an earlier fault, so re-enable explicitly.
	if duty := c.manualDuty.Load(); !math.IsNaN(duty) {
		if err := c.motor.Enable(); err != nil {
			log.Printf("throttle %d: motor enable: %v", c.index, err)
		}
		if err := c.motor.Set(duty); err != nil {
			log.Printf("throttle %d: motor set: %v", c.index, err)
		}
		c.setStatus(StatusManual)
		c.publishSnapshot()
		return
	}

	if !c.CheckStatus() {
		// Quieter and pulls less power than leaving the motor on.
		c.motor.Disable("etb status")
		c.publishSnapshot()
		return
	}

	output, ok := c.runPipeline()
	if ok {
		c.checkOutput(output)
	}
	c.publishSnapshot()
}

// runPipeline executes setpoint -> observe -> open+closed loop ->
// output. A missing value at any stage still reaches SetOutput, which
// disables the motor for throttle slots.
func (c *Controller) runPipeline() (float64, bool) {
	target, ok := c.GetSetpoint()
	if !ok {
		c.SetOutput(0, false)
		return 0, false
	}

	position, ok := c.env.Registry.Get(c.positionSensor)
	if !ok {
		c.SetOutput(0, false)
		return 0, false
	}
	c.lastPosition = position

	closed, ok := c.GetClosedLoop(target, position)
	if !ok {
		c.SetOutput(0, false)
		return 0, false
	}

	output := c.GetOpenLoop(target) + closed
	c.SetOutput(output, true)
	return output, true
}

// checkOutput maintains the duty statistics and jam detection after a
// successful output.
func (c *Controller) checkOutput(output float64) {
	c.dutyAverage = c.dutyAvg.Average(math.Abs(output))
	c.dutyROC = c.dutyRoc.Average(math.Abs(output - c.prevOutput))
	c.prevOutput = output

	if limit := c.cfg.JamIntegratorLimit; limit != 0 {
		if math.Abs(c.pid.Integration()) > limit {
			if c.jamTimer.HasElapsed(c.now, c.cfg.JamTimeout) && !c.jamDetected {
				// Diagnostic only: escalation policy is external.
				log.Printf("throttle %d: jam detected (integral over %.1f for %s)", c.index, limit, c.cfg.JamTimeout)
				c.jamDetected = true
			}
		} else {
			c.jamTimer.Reset(c.now)
			c.jamDetected = false
		}
		c.jamElapsed = c.jamTimer.Elapsed(c.now).Seconds()
	}

	c.env.Sink.SetThrottleTarget(c.index, c.currentTarget)
	c.env.Sink.SetThrottleDuty(c.index, output, c.dutyAverage, c.dutyROC)
}

func (c *Controller) publishSnapshot() {
	snap := Snapshot{
		Function:         c.function.String(),
		Status:           c.status.String(),
		Target:           c.currentTarget,
		Position:         c.lastPosition,
		Output:           c.prevOutput,
		DutyAverage:      c.dutyAverage,
		DutyRateOfChange: c.dutyROC,
		Trim:             c.trim,
		TractionDrop:     c.tractionDrop,
		RevLimitActive:   c.revLimitActive,
		Autotune:         c.isAutotune,
		JamDetected:      c.jamDetected,
		JamTimer:         c.jamElapsed,
		TpsErrorCounter:  c.tpsErrorCounter,
		PpsErrorCounter:  c.ppsErrorCounter,
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}
