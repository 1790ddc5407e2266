package ctlmath

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampPercent limits v to the usual position range [0, 100].
func ClampPercent(v float64) float64 {
	return Clamp(v, 0, 100)
}

// InterpolateClamped linearly interpolates between (x1, y1) and (x2, y2),
// holding the endpoint value outside the [x1, x2] range.
func InterpolateClamped(x1, y1, x2, y2, x float64) float64 {
	if x1 == x2 {
		return y1
	}
	if x1 < x2 {
		if x <= x1 {
			return y1
		}
		if x >= x2 {
			return y2
		}
	} else {
		if x >= x1 {
			return y1
		}
		if x <= x2 {
			return y2
		}
	}
	return y1 + (y2-y1)*(x-x1)/(x2-x1)
}

// Curve is a one-dimensional lookup curve: ascending bins with a value per bin.
//
// Lookups are linear between bins and clamped at the ends.
type Curve struct {
	Bins   []float64
	Values []float64
}

func (c Curve) Empty() bool {
	return len(c.Bins) == 0 || len(c.Bins) != len(c.Values)
}

func (c Curve) Lookup(x float64) float64 {
	if c.Empty() {
		return 0
	}
	n := len(c.Bins)
	if x <= c.Bins[0] {
		return c.Values[0]
	}
	if x >= c.Bins[n-1] {
		return c.Values[n-1]
	}
	for i := 1; i < n; i++ {
		if x <= c.Bins[i] {
			return InterpolateClamped(c.Bins[i-1], c.Values[i-1], c.Bins[i], c.Values[i], x)
		}
	}
	return c.Values[n-1]
}

// Table is a two-dimensional lookup surface with ascending axis bins.
//
// Values is indexed [y][x]. Lookups interpolate bilinearly and clamp at the
// table edges.
type Table struct {
	XBins  []float64
	YBins  []float64
	Values [][]float64
}

func (t Table) Empty() bool {
	return len(t.XBins) == 0 || len(t.YBins) == 0 || len(t.Values) != len(t.YBins)
}

// Lookup returns the interpolated surface value at (x, y).
func (t Table) Lookup(x, y float64) float64 {
	if t.Empty() {
		return 0
	}

	xi, xf := axisIndex(t.XBins, x)
	yi, yf := axisIndex(t.YBins, y)

	row0 := t.Values[yi]
	row1 := row0
	if yi+1 < len(t.Values) {
		row1 = t.Values[yi+1]
	}

	v00 := cellAt(row0, xi)
	v01 := cellAt(row0, xi+1)
	v10 := cellAt(row1, xi)
	v11 := cellAt(row1, xi+1)

	low := v00 + (v01-v00)*xf
	high := v10 + (v11-v10)*xf
	return low + (high-low)*yf
}

// axisIndex returns the lower bin index and the fractional position toward
// the next bin, clamped at both ends.
func axisIndex(bins []float64, v float64) (int, float64) {
	n := len(bins)
	if n == 1 || v <= bins[0] {
		return 0, 0
	}
	if v >= bins[n-1] {
		return n - 2, 1
	}
	for i := 1; i < n; i++ {
		if v <= bins[i] {
			span := bins[i] - bins[i-1]
			if span <= 0 {
				return i - 1, 0
			}
			return i - 1, (v - bins[i-1]) / span
		}
	}
	return n - 2, 1
}

func cellAt(row []float64, i int) float64 {
	if len(row) == 0 {
		return 0
	}
	if i >= len(row) {
		i = len(row) - 1
	}
	return row[i]
}
