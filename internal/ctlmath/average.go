package ctlmath

// ExpAverage is a first-order exponential moving average over a nominal
// window of n samples (alpha = 2/(n+1)).
//
// Not safe for concurrent use.
type ExpAverage struct {
	alpha   float64
	current float64
	primed  bool
}

// Init sets the window length and clears the state. A length below 1 behaves
// as a pass-through.
func (e *ExpAverage) Init(length int) {
	if length < 1 {
		length = 1
	}
	e.alpha = 2.0 / (float64(length) + 1)
	e.Reset()
}

func (e *ExpAverage) Reset() {
	e.current = 0
	e.primed = false
}

// Average folds in one sample and returns the updated average.
func (e *ExpAverage) Average(v float64) float64 {
	if e.alpha == 0 {
		e.alpha = 1
	}
	if !e.primed {
		e.current = v
		e.primed = true
		return v
	}
	e.current = e.alpha*v + (1-e.alpha)*e.current
	return e.current
}

func (e *ExpAverage) Value() float64 {
	return e.current
}
