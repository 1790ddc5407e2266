package ctlmath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHysteresisStickyAboveLimit(t *testing.T) {
	var h Hysteresis

	assert.False(t, h.Test(6000, 7000, 6750))
	// Cross the limit: engaged.
	assert.True(t, h.Test(7100, 7000, 6750))
	// Dipping below the limit but above resume holds the cut.
	assert.True(t, h.Test(6900, 7000, 6750))
	assert.True(t, h.Test(6800, 7000, 6750))
	// Only reaching the resume threshold releases.
	assert.False(t, h.Test(6750, 7000, 6750))
	assert.False(t, h.Test(6900, 7000, 6750))
}

func TestHysteresisCheckIfLimitExceeded(t *testing.T) {
	var h Hysteresis

	assert.True(t, h.CheckIfLimitExceeded(210, 200, 30))
	assert.True(t, h.CheckIfLimitExceeded(180, 200, 30))
	assert.False(t, h.CheckIfLimitExceeded(170, 200, 30))
}

func TestLatchHoldsBetweenEvents(t *testing.T) {
	var l Latch

	assert.False(t, l.Test(false, false))
	assert.True(t, l.Test(true, false))
	// Neither condition: state holds.
	assert.True(t, l.Test(false, false))
	// Set wins even while reset is pending next tick.
	assert.True(t, l.Test(true, false))
	assert.False(t, l.Test(false, true))
	assert.False(t, l.Test(false, false))
}

func TestErrorAccumulator(t *testing.T) {
	var a ErrorAccumulator
	a.Init(3, 0.1)

	// Error inside the dead band never builds up.
	for i := 0; i < 100; i++ {
		a.Accumulate(2)
	}
	assert.Equal(t, 0.0, a.Value())

	// 10 units over a 3-unit dead band for 1 second -> 7 unit-seconds.
	for i := 0; i < 10; i++ {
		a.Accumulate(10)
	}
	assert.InDelta(t, 7.0, a.Value(), 1e-9)

	// Negative error counts by magnitude.
	a.Reset()
	a.Accumulate(-13)
	assert.InDelta(t, 1.0, a.Value(), 1e-9)

	// Quiet time bleeds the total back down, floored at zero.
	for i := 0; i < 100; i++ {
		a.Accumulate(0)
	}
	assert.Equal(t, 0.0, a.Value())
}

func TestTimer(t *testing.T) {
	var tm Timer
	now := time.Unix(100, 0)

	// Never reset: effectively elapsed forever.
	assert.True(t, tm.HasElapsed(now, time.Hour))

	tm.Reset(now)
	assert.False(t, tm.HasElapsed(now.Add(4*time.Second), 5*time.Second))
	assert.True(t, tm.HasElapsed(now.Add(5*time.Second), 5*time.Second))
	assert.Equal(t, 2*time.Second, tm.Elapsed(now.Add(2*time.Second)))
}
