package pid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func etbParams() Params {
	return Params{P: 1, I: 10, D: 0.05, MinValue: -100, MaxValue: 100}
}

func TestProportional(t *testing.T) {
	p := New(Params{P: 2, MinValue: -100, MaxValue: 100})

	out := p.Output(50, 40, 0.002)
	assert.InDelta(t, 20.0, out, 1e-9)
}

func TestIntegralAccumulatesAndClamps(t *testing.T) {
	p := New(Params{I: 10, MinValue: -100, MaxValue: 100})
	p.SetITermLimits(-30, 30)

	// 10 error * 10 gain * 0.1 s per step = 10 per step, clamped at 30.
	for i := 0; i < 10; i++ {
		p.Output(60, 50, 0.1)
	}
	assert.Equal(t, 30.0, p.Integration())

	// Error reverses: the term unwinds instead of staying pinned.
	p.Output(50, 60, 0.1)
	assert.Equal(t, 20.0, p.Integration())
}

func TestDerivativeSkipsFirstSample(t *testing.T) {
	p := New(Params{D: 1, MinValue: -1000, MaxValue: 1000})

	assert.Equal(t, 0.0, p.Output(10, 0, 0.1))
	// Error went 10 -> 5 over 0.1s: derivative term is -50.
	assert.InDelta(t, -50.0, p.Output(10, 5, 0.1), 1e-9)
}

func TestOutputClamped(t *testing.T) {
	p := New(etbParams())

	out := p.Output(100, -2000, 0.002)
	assert.Equal(t, 100.0, out)
	out = p.Output(-2000, 100, 0.002)
	assert.Equal(t, -100.0, out)

	// Clamping an already-clamped value is a no-op.
	assert.Equal(t, 100.0, p.Output(100, -2000, 0.002))
}

func TestOffset(t *testing.T) {
	p := New(Params{Offset: 5, MinValue: -100, MaxValue: 100})
	assert.Equal(t, 5.0, p.Output(50, 50, 0.002))
}

func TestIsSameAndReset(t *testing.T) {
	params := etbParams()
	p := New(params)
	assert.True(t, p.IsSame(params))

	params.P = 3
	assert.False(t, p.IsSame(params))

	p.Output(60, 50, 0.1)
	assert.NotEqual(t, 0.0, p.Integration())
	p.Reset()
	assert.Equal(t, 0.0, p.Integration())

	// After a reset the derivative history is gone too.
	out := p.Output(60, 50, 0.1)
	assert.InDelta(t, etbParams().P*10+etbParams().I*10*0.1, out, 1e-9)
}

func TestZeroPeriodIsNoop(t *testing.T) {
	p := New(etbParams())
	assert.Equal(t, 0.0, p.Output(50, 0, 0))
	assert.Equal(t, 0.0, p.Integration())
}
