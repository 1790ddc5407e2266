package ctlmath

import "math"

// ErrorAccumulator integrates the magnitude of a control error over time,
// ignoring error below a dead band. Time spent with the error inside the
// dead band bleeds the accumulator back toward zero, so only a sustained
// excursion builds up a meaningful total.
//
// The accumulated quantity is in unit-seconds (percent-seconds for a
// position error).
//
// Not safe for concurrent use.
type ErrorAccumulator struct {
	ignoreBelow float64
	periodSec   float64
	accumulator float64
}

func (a *ErrorAccumulator) Init(ignoreBelow, periodSec float64) {
	a.ignoreBelow = ignoreBelow
	a.periodSec = periodSec
	a.Reset()
}

func (a *ErrorAccumulator) Reset() {
	a.accumulator = 0
}

// Accumulate folds in one period's error and returns the running total.
func (a *ErrorAccumulator) Accumulate(err float64) float64 {
	excess := math.Abs(err) - a.ignoreBelow
	a.accumulator += excess * a.periodSec
	if a.accumulator < 0 {
		a.accumulator = 0
	}
	return a.accumulator
}

func (a *ErrorAccumulator) Value() float64 {
	return a.accumulator
}
