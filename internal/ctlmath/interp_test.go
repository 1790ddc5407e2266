package ctlmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolateClamped(t *testing.T) {
	// Midpoint.
	assert.Equal(t, 50.0, InterpolateClamped(0, 0, 100, 100, 50))
	// Clamps below and above.
	assert.Equal(t, 10.0, InterpolateClamped(20, 10, 80, 90, 0))
	assert.Equal(t, 90.0, InterpolateClamped(20, 10, 80, 90, 200))
	// Degenerate span returns the first value.
	assert.Equal(t, 7.0, InterpolateClamped(50, 7, 50, 99, 50))
	// Descending y across ascending x (rev-limit taper shape).
	assert.InDelta(t, 25.0, InterpolateClamped(6000, 50, 6500, 0, 6250), 1e-9)
	// Descending x endpoints still clamp correctly.
	assert.Equal(t, 5.0, InterpolateClamped(100, 5, 0, 95, 150))
}

func TestCurveLookup(t *testing.T) {
	c := Curve{
		Bins:   []float64{0, 1, 5, 7, 14, 65, 66, 100},
		Values: []float64{-15, -15, -10, 0, 19, 20, 26, 28},
	}

	assert.Equal(t, -15.0, c.Lookup(-3))
	assert.Equal(t, 28.0, c.Lookup(120))
	assert.Equal(t, 0.0, c.Lookup(7))
	assert.InDelta(t, -5.0, c.Lookup(6), 1e-9)

	empty := Curve{}
	assert.Equal(t, 0.0, empty.Lookup(50))
}

func TestTableLookup(t *testing.T) {
	tbl := Table{
		XBins: []float64{0, 100},
		YBins: []float64{1000, 7000},
		Values: [][]float64{
			{0, 100},
			{0, 80},
		},
	}

	// Corners.
	assert.Equal(t, 0.0, tbl.Lookup(0, 1000))
	assert.Equal(t, 100.0, tbl.Lookup(100, 1000))
	assert.Equal(t, 80.0, tbl.Lookup(100, 7000))
	// Center is the bilinear blend.
	assert.InDelta(t, 45.0, tbl.Lookup(50, 4000), 1e-9)
	// Off-table lookups clamp to the edges.
	assert.Equal(t, 80.0, tbl.Lookup(500, 9000))
	assert.Equal(t, 0.0, tbl.Lookup(-5, 0))
}

func TestTableLookupMonotonicInPedal(t *testing.T) {
	tbl := Table{
		XBins: []float64{0, 25, 50, 75, 100},
		YBins: []float64{800, 7000},
		Values: [][]float64{
			{0, 25, 50, 75, 100},
			{0, 25, 50, 75, 100},
		},
	}

	prev := -1.0
	for p := 0.0; p <= 100; p += 0.5 {
		v := tbl.Lookup(p, 3000)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestExpAverage(t *testing.T) {
	var e ExpAverage
	e.Init(1)
	// Window of one tracks the input exactly.
	assert.Equal(t, 42.0, e.Average(42))
	assert.Equal(t, 10.0, e.Average(10))

	e.Init(50)
	e.Average(0)
	v := e.Average(100)
	// alpha = 2/51, single step from zero.
	assert.InDelta(t, 100.0*2.0/51.0, v, 1e-9)

	e.Reset()
	assert.Equal(t, 5.0, e.Average(5))
}
