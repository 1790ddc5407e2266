// Package actuator drives DC motors (throttle body, idle valve, wastegate)
// through an H-bridge: two direction lines plus a PWM magnitude channel.
package actuator

// Motor is the minimal capability the control code needs from a physical
// actuator. Set expects a signed duty fraction in [-1, 1]; sign selects
// the bridge direction. Disable must be safe to call repeatedly and must
// leave the output stage de-energized.
type Motor interface {
	Enable() error
	Disable(reason string)
	Set(duty float64) error
	Close() error
}

// Config identifies the hardware resources of one bridge.
type Config struct {
	// Dir1Pin/Dir2Pin are GPIO line offsets for the bridge direction inputs.
	Dir1Pin int
	Dir2Pin int
	// DisablePin is the bridge disable (or inverted enable) line; 0 means
	// the bridge has no dedicated disable line.
	DisablePin int
	// PWMChannel selects the sysfs PWM channel for the magnitude input.
	PWMChannel int
	// FrequencyHz is the PWM carrier frequency.
	FrequencyHz int
	// Consumer names the GPIO consumer for diagnostics.
	Consumer string
}

// Open returns a Motor for the configured bridge. Replaced in tests.
var Open = openHBridge
