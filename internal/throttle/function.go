// Package throttle implements the per-actuator closed-loop throttle
// controllers: setpoint computation from pedal position, PID (or relay
// autotune) output generation, safety-gated motor output, fault
// debouncing and auto-calibration.
package throttle

import (
	"etbd/internal/sensors"
	"etbd/internal/telemetry"
)

// Function identifies what a physical actuator slot is used for. It
// determines which position-sensor pair is bound and whether the full
// electronic-throttle policy (pedal math, redundancy, arbiter gating)
// applies.
type Function int

const (
	None Function = iota
	Throttle1
	Throttle2
	IdleValve
	Wastegate
)

var functionNames = map[Function]string{
	None:      "none",
	Throttle1: "throttle1",
	Throttle2: "throttle2",
	IdleValve: "idle_valve",
	Wastegate: "wastegate",
}

func (f Function) String() string {
	if n, ok := functionNames[f]; ok {
		return n
	}
	return "unknown"
}

// ParseFunction maps a config name to a Function, None if unknown.
func ParseFunction(name string) Function {
	for f, n := range functionNames {
		if n == name {
			return f
		}
	}
	return None
}

// isThrottle reports whether this slot runs the full electronic-throttle
// policy, as opposed to direct positional pass-through.
func (f Function) isThrottle() bool {
	return f == Throttle1 || f == Throttle2
}

func (f Function) positionSensor() sensors.Type {
	if f == Throttle1 {
		return sensors.Tps1
	}
	return sensors.Tps2
}

func (f Function) primarySensor() sensors.Type {
	if f == Throttle1 {
		return sensors.Tps1Primary
	}
	return sensors.Tps2Primary
}

func (f Function) secondarySensor() sensors.Type {
	if f == Throttle1 {
		return sensors.Tps1Secondary
	}
	return sensors.Tps2Secondary
}

func (f Function) calModePrimaryMax() telemetry.CalMode {
	if f == Throttle1 {
		return telemetry.CalTps1Max
	}
	return telemetry.CalTps2Max
}

func (f Function) calModePrimaryMin() telemetry.CalMode {
	if f == Throttle1 {
		return telemetry.CalTps1Min
	}
	return telemetry.CalTps2Min
}

func (f Function) calModeSecondaryMax() telemetry.CalMode {
	if f == Throttle1 {
		return telemetry.CalTps1SecondaryMax
	}
	return telemetry.CalTps2SecondaryMax
}

func (f Function) calModeSecondaryMin() telemetry.CalMode {
	if f == Throttle1 {
		return telemetry.CalTps1SecondaryMin
	}
	return telemetry.CalTps2SecondaryMin
}

// Status is the controller's last fault/state code, exported to
// telemetry as a small integer.
type Status int

const (
	StatusNone Status = iota
	StatusEngineStopped
	StatusTpsError
	StatusIntermittentTps
	StatusIntermittentPps
	StatusRedundancy
	StatusScriptDisabled
	StatusManual
)

var statusNames = map[Status]string{
	StatusNone:            "ok",
	StatusEngineStopped:   "engine_stopped",
	StatusTpsError:        "tps_error",
	StatusIntermittentTps: "intermittent_tps",
	StatusIntermittentPps: "intermittent_pps",
	StatusRedundancy:      "redundancy",
	StatusScriptDisabled:  "script_disabled",
	StatusManual:          "manual",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}
