package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "etbd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
throttles:
  - function: throttle1
    pid:
      p: 10
      i: 0.05
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Control.LoopFrequency != 500 {
		t.Errorf("loop_frequency = %d", cfg.Control.LoopFrequency)
	}
	if cfg.Limp.UpdateInterval.Std() != 20*time.Millisecond {
		t.Errorf("limp update interval = %s", cfg.Limp.UpdateInterval.Std())
	}

	tc := cfg.Throttles[0]
	if tc.PID.Min != -100 || tc.PID.Max != 100 {
		t.Errorf("pid range = [%v, %v]", tc.PID.Min, tc.PID.Max)
	}
	if tc.PID.ITermMin != -30 || tc.PID.ITermMax != 30 {
		t.Errorf("iterm range = [%v, %v]", tc.PID.ITermMin, tc.PID.ITermMax)
	}
	if tc.MaxPosition != 100 {
		t.Errorf("max_position = %v", tc.MaxPosition)
	}
	if tc.IdleThrottleRange != 15 {
		t.Errorf("idle_throttle_range = %v", tc.IdleThrottleRange)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: ":9000"
bench_input: true
adc:
  enable: true
  channels:
    - input: 0
      sensor: tps1_primary
      closed_volts: 0.5
      open_volts: 4.5
sensors:
  redundant_pairs:
    - combined: tps1
      primary: tps1_primary
      secondary: tps1_secondary
      max_split: 5
control:
  loop_frequency: 1000
  realtime: true
throttles:
  - function: throttle1
    pid:
      p: 12
      i: 0.1
      d: 0.05
    pedal_map:
      x_bins: [0, 7000]
      y_bins: [0, 100]
      values: [[0, 0], [100, 100]]
    rev_limit_start: 6500
    rev_limit_range: 500
limp:
  update_interval: 50ms
  injection_enabled: true
  ignition_enabled: true
  rpm_hard_limit: 7000
  cut_fuel_on_hard_limit: true
button:
  enable: true
  pin: 17
  starter_pin: 27
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ADC.Bus != "/dev/i2c-1" || cfg.ADC.Addr != 0x48 {
		t.Errorf("adc defaults not applied: %+v", cfg.ADC)
	}
	if cfg.Control.LoopFrequency != 1000 {
		t.Errorf("loop_frequency = %d", cfg.Control.LoopFrequency)
	}
	if cfg.Limp.UpdateInterval.Std() != 50*time.Millisecond {
		t.Errorf("limp update interval = %s", cfg.Limp.UpdateInterval.Std())
	}
	if cfg.Limp.RpmHardLimitHyst != 200 {
		t.Errorf("rev limit hysteresis default = %v", cfg.Limp.RpmHardLimitHyst)
	}
	if cfg.Button.CrankingDuration.Std() != 5*time.Second {
		t.Errorf("cranking duration default = %s", cfg.Button.CrankingDuration.Std())
	}
}

func TestLoadRejections(t *testing.T) {
	cases := map[string]string{
		"no throttles": `
listen: ":8080"
`,
		"unknown function": `
throttles:
  - function: turbo_encabulator
`,
		"ragged pedal map": `
throttles:
  - function: throttle1
    pedal_map:
      x_bins: [0, 7000]
      y_bins: [0, 100]
      values: [[0, 0]]
`,
		"descending bins": `
throttles:
  - function: throttle1
    bias:
      bins: [10, 5]
      values: [1, 2]
`,
		"max position over 100": `
throttles:
  - function: throttle1
    max_position: 120
`,
		"adc without channels": `
adc:
  enable: true
throttles:
  - function: throttle1
`,
		"clt limit without curve": `
throttles:
  - function: throttle1
limp:
  use_clt_rev_limit: true
`,
		"pair without split": `
sensors:
  redundant_pairs:
    - combined: tps1
      primary: tps1_primary
      secondary: tps1_secondary
throttles:
  - function: throttle1
`,
	}

	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
