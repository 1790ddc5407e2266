package actuator

import "testing"

func TestPeriodNSForFrequency(t *testing.T) {
	cases := []struct {
		hz   int
		want uint64
	}{
		{800, 1_250_000},
		{1, 1_000_000_000},
		{0, 1_000_000_000},
		{-5, 1_000_000_000},
		{2_000_000_000, 1},
	}
	for _, c := range cases {
		if got := periodNSForFrequency(c.hz); got != c.want {
			t.Errorf("periodNSForFrequency(%d)=%d want %d", c.hz, got, c.want)
		}
	}
}

func TestDutyToNS(t *testing.T) {
	const period = 1_250_000
	cases := []struct {
		mag  float64
		want uint64
	}{
		{0, 0},
		{0.5, 625_000},
		{0.9, 1_125_000},
		{1, period},
		{1.5, period},
		{-0.2, 0},
	}
	for _, c := range cases {
		if got := dutyToNS(c.mag, period); got != c.want {
			t.Errorf("dutyToNS(%v)=%d want %d", c.mag, got, c.want)
		}
	}
}
