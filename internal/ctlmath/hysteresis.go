package ctlmath

// Hysteresis is a sticky boolean gate over a continuous signal: it turns on
// when the value rises past the upper threshold and turns off only once the
// value falls to the lower threshold. Between the thresholds it holds its
// previous state, preventing chatter near a limit.
//
// The zero value starts in the off state. Not safe for concurrent use.
type Hysteresis struct {
	state bool
}

// Test updates the gate against the given thresholds and returns the state.
func (h *Hysteresis) Test(value, rise, fall float64) bool {
	if value >= rise {
		h.state = true
	} else if value <= fall {
		h.state = false
	}
	return h.state
}

// CheckIfLimitExceeded is Test with the lower threshold expressed as a drop
// below the limit.
func (h *Hysteresis) CheckIfLimitExceeded(value, limit, hyst float64) bool {
	return h.Test(value, limit, limit-hyst)
}

func (h *Hysteresis) State() bool {
	return h.state
}

func (h *Hysteresis) Reset() {
	h.state = false
}

// Latch is the event-driven variant: set and reset arrive as booleans that
// may both be false, in which case the previous state holds.
type Latch struct {
	state bool
}

func (l *Latch) Test(set, reset bool) bool {
	if set {
		l.state = true
	} else if reset {
		l.state = false
	}
	return l.state
}

func (l *Latch) State() bool {
	return l.state
}

func (l *Latch) Reset() {
	l.state = false
}
