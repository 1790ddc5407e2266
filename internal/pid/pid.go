// Package pid provides the closed-loop numeric primitive used by the
// throttle controllers.
package pid

// Params is one tunable parameter set. Controllers detect parameter set
// changes between ticks and reset the internal state before reuse.
type Params struct {
	P        float64
	I        float64
	D        float64
	Offset   float64
	MinValue float64
	MaxValue float64
}

// PID is a textbook PID with clamped integral term and clamped output.
//
// Not safe for concurrent use; each controller owns its own instance and
// drives it from the control tick only.
type PID struct {
	params Params

	iTermMin float64
	iTermMax float64

	iTerm     float64
	prevError float64
	havePrev  bool
}

func New(params Params) *PID {
	p := &PID{iTermMin: -1e9, iTermMax: 1e9}
	p.Configure(params)
	return p
}

// Configure installs a new parameter set and resets internal state.
func (p *PID) Configure(params Params) {
	p.params = params
	p.Reset()
}

// IsSame reports whether the given parameter set matches the active one.
// Intended for a config-reload path (Configure only when changed, since
// it resets state); runtime parameters are currently immutable, so the
// only callers today are tests.
func (p *PID) IsSame(params Params) bool {
	return p.params == params
}

func (p *PID) Params() Params {
	return p.params
}

func (p *PID) Reset() {
	p.iTerm = 0
	p.prevError = 0
	p.havePrev = false
}

// SetITermLimits bounds the integral contribution. Bounds apply on the
// next Output call; the accumulated term is re-clamped every update.
func (p *PID) SetITermLimits(min, max float64) {
	p.iTermMin = min
	p.iTermMax = max
}

// Integration exposes the current integral term, consumed by jam
// detection.
func (p *PID) Integration() float64 {
	return p.iTerm
}

// Output computes one control step for the given period.
func (p *PID) Output(target, observation, periodSec float64) float64 {
	if periodSec <= 0 {
		return 0
	}

	err := target - observation

	pTerm := p.params.P * err

	p.iTerm += p.params.I * err * periodSec
	if p.iTerm > p.iTermMax {
		p.iTerm = p.iTermMax
	}
	if p.iTerm < p.iTermMin {
		p.iTerm = p.iTermMin
	}

	dTerm := 0.0
	if p.havePrev {
		dTerm = p.params.D * (err - p.prevError) / periodSec
	}
	p.prevError = err
	p.havePrev = true

	out := pTerm + p.iTerm + dTerm + p.params.Offset
	if out > p.params.MaxValue {
		out = p.params.MaxValue
	}
	if out < p.params.MinValue {
		out = p.params.MinValue
	}
	return out
}
