// Package sensors provides the process-wide sensor registry: a small
// indirection between whatever produces physical readings (ADC poller,
// CAN glue, bench HTTP input) and the control code that consumes them.
package sensors

import "sync"

// Type identifies one logical sensor channel.
type Type int

const (
	Invalid Type = iota

	Tps1
	Tps1Primary
	Tps1Secondary
	Tps2
	Tps2Primary
	Tps2Secondary

	Pedal
	PedalPrimary
	PedalSecondary

	IdlePositionSensor
	WastegatePositionSensor

	Rpm
	Map
	Clt
	VehicleSpeed
	WheelSlipRatio
	OilPressure

	// DriverThrottleIntent resolves to the pedal when one is fitted and
	// the primary throttle position otherwise.
	DriverThrottleIntent
)

var typeNames = map[Type]string{
	Invalid:                 "invalid",
	Tps1:                    "tps1",
	Tps1Primary:             "tps1_primary",
	Tps1Secondary:           "tps1_secondary",
	Tps2:                    "tps2",
	Tps2Primary:             "tps2_primary",
	Tps2Secondary:           "tps2_secondary",
	Pedal:                   "pedal",
	PedalPrimary:            "pedal_primary",
	PedalSecondary:          "pedal_secondary",
	IdlePositionSensor:      "idle_position",
	WastegatePositionSensor: "wastegate_position",
	Rpm:                     "rpm",
	Map:                     "map",
	Clt:                     "clt",
	VehicleSpeed:            "vehicle_speed",
	WheelSlipRatio:          "wheel_slip_ratio",
	OilPressure:             "oil_pressure",
	DriverThrottleIntent:    "driver_throttle_intent",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType resolves a config-file sensor name; returns Invalid for
// unknown names.
func ParseType(name string) Type {
	for t, s := range typeNames {
		if s == name {
			return t
		}
	}
	return Invalid
}

type entry struct {
	value float64
	raw   float64
	valid bool
}

type pair struct {
	primary   Type
	secondary Type
	maxSplit  float64
}

// Registry holds current readings and redundant-pair wiring.
//
// Producers call Set/Invalidate from their own goroutines; control loops
// call the accessors every tick. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	readings map[Type]*entry
	pairs    map[Type]pair
}

func NewRegistry() *Registry {
	return &Registry{
		readings: make(map[Type]*entry),
		pairs:    make(map[Type]pair),
	}
}

// Register declares a sensor as fitted. Readings stay invalid until the
// first Set.
func (r *Registry) Register(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.readings[t]; !ok {
		r.readings[t] = &entry{}
	}
}

// RegisterRedundantPair wires a combined channel to two independently
// acquired channels. The combined reading is valid only while both
// channels are valid and agree within maxSplit.
func (r *Registry) RegisterRedundantPair(combined, primary, secondary Type, maxSplit float64) {
	r.Register(combined)
	r.Register(primary)
	r.Register(secondary)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[combined] = pair{primary: primary, secondary: secondary, maxSplit: maxSplit}
}

// Set stores a calibrated value plus the raw (pre-calibration) quantity.
func (r *Registry) Set(t Type, value, raw float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.readings[t]
	if !ok {
		e = &entry{}
		r.readings[t] = e
	}
	e.value = value
	e.raw = raw
	e.valid = true
}

func (r *Registry) Invalidate(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.readings[t]; ok {
		e.valid = false
	}
}

// Get returns the current value and whether it is valid.
func (r *Registry) Get(t Type) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(t)
}

func (r *Registry) getLocked(t Type) (float64, bool) {
	if t == DriverThrottleIntent {
		if _, fitted := r.readings[Pedal]; fitted {
			return r.getLocked(Pedal)
		}
		return r.getLocked(Tps1)
	}

	if p, ok := r.pairs[t]; ok {
		pv, pok := r.readLocked(p.primary)
		sv, sok := r.readLocked(p.secondary)
		if !pok || !sok {
			return 0, false
		}
		split := pv - sv
		if split < 0 {
			split = -split
		}
		if p.maxSplit > 0 && split > p.maxSplit {
			return 0, false
		}
		return pv, true
	}

	return r.readLocked(t)
}

func (r *Registry) readLocked(t Type) (float64, bool) {
	e, ok := r.readings[t]
	if !ok || !e.valid {
		return 0, false
	}
	return e.value, true
}

// GetOrZero returns the value, treating an invalid reading as zero.
func (r *Registry) GetOrZero(t Type) float64 {
	v, ok := r.Get(t)
	if !ok {
		return 0
	}
	return v
}

// GetRaw returns the last raw quantity regardless of validity. Used by
// calibration, which needs the unscaled sensor output.
func (r *Registry) GetRaw(t Type) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.readings[t]; ok {
		return e.raw
	}
	return 0
}

// Has reports whether the sensor is fitted at all, valid or not.
func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pairs[t]; ok {
		return true
	}
	_, ok := r.readings[t]
	return ok
}

// IsRedundant reports whether the channel is backed by a cross-checked
// sensor pair.
func (r *Registry) IsRedundant(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pairs[t]
	return ok
}
