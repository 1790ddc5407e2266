// Package config loads and validates the daemon's yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes human-readable yaml scalars like "20ms" or "1s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Listen     string `yaml:"listen"`
	BenchInput bool   `yaml:"bench_input"`

	ADC       ADCConfig        `yaml:"adc"`
	Sensors   SensorsConfig    `yaml:"sensors"`
	Control   ControlConfig    `yaml:"control"`
	Throttles []ThrottleConfig `yaml:"throttles"`
	Limp      LimpConfig       `yaml:"limp"`
	Button    ButtonConfig     `yaml:"button"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

type ADCConfig struct {
	Enable   bool            `yaml:"enable"`
	Bus      string          `yaml:"bus"`
	Addr     uint16          `yaml:"addr"`
	Interval Duration        `yaml:"interval"`
	Channels []ChannelConfig `yaml:"channels"`
}

type ChannelConfig struct {
	Input             int     `yaml:"input"`
	Sensor            string  `yaml:"sensor"`
	ClosedVolts       float64 `yaml:"closed_volts"`
	OpenVolts         float64 `yaml:"open_volts"`
	PlausibleMinVolts float64 `yaml:"plausible_min_volts"`
	PlausibleMaxVolts float64 `yaml:"plausible_max_volts"`
}

type SensorsConfig struct {
	RedundantPairs []RedundantPairConfig `yaml:"redundant_pairs"`
}

type RedundantPairConfig struct {
	Combined  string  `yaml:"combined"`
	Primary   string  `yaml:"primary"`
	Secondary string  `yaml:"secondary"`
	MaxSplit  float64 `yaml:"max_split"`
}

type ControlConfig struct {
	LoopFrequency    int  `yaml:"loop_frequency"`
	Realtime         bool `yaml:"realtime"`
	RealtimePriority int  `yaml:"realtime_priority"`
}

type MotorConfig struct {
	Dir1Pin     int    `yaml:"dir1_pin"`
	Dir2Pin     int    `yaml:"dir2_pin"`
	DisablePin  int    `yaml:"disable_pin"`
	PWMChannel  int    `yaml:"pwm_channel"`
	FrequencyHz int    `yaml:"frequency_hz"`
	Consumer    string `yaml:"consumer"`
}

type PIDConfig struct {
	P        float64 `yaml:"p"`
	I        float64 `yaml:"i"`
	D        float64 `yaml:"d"`
	Offset   float64 `yaml:"offset"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	ITermMin float64 `yaml:"iterm_min"`
	ITermMax float64 `yaml:"iterm_max"`
}

type CurveConfig struct {
	Bins   []float64 `yaml:"bins"`
	Values []float64 `yaml:"values"`
}

type TableConfig struct {
	XBins  []float64   `yaml:"x_bins"`
	YBins  []float64   `yaml:"y_bins"`
	Values [][]float64 `yaml:"values"`
}

type ThrottleConfig struct {
	Function string      `yaml:"function"`
	Motor    MotorConfig `yaml:"motor"`
	PID      PIDConfig   `yaml:"pid"`

	Bias         CurveConfig `yaml:"bias"`
	PedalMap     TableConfig `yaml:"pedal_map"`
	Trim         TableConfig `yaml:"trim"`
	TractionDrop TableConfig `yaml:"traction_drop"`

	IdleThrottleRange float64 `yaml:"idle_throttle_range"`
	AntilagAdd        float64 `yaml:"antilag_add"`
	MinPosition       float64 `yaml:"min_position"`
	MaxPosition       float64 `yaml:"max_position"`

	RevLimitStart float64 `yaml:"rev_limit_start"`
	RevLimitRange float64 `yaml:"rev_limit_range"`

	DutyAverageLength int `yaml:"duty_average_length"`
	DutyRocLength     int `yaml:"duty_roc_length"`

	JamIntegratorLimit float64  `yaml:"jam_integrator_limit"`
	JamTimeout         Duration `yaml:"jam_timeout"`

	DisableWhenEngineStopped bool `yaml:"disable_when_engine_stopped"`
}

type LimpConfig struct {
	UpdateInterval Duration `yaml:"update_interval"`

	InjectionEnabled bool `yaml:"injection_enabled"`
	IgnitionEnabled  bool `yaml:"ignition_enabled"`

	RpmHardLimit     float64     `yaml:"rpm_hard_limit"`
	RpmHardLimitHyst float64     `yaml:"rpm_hard_limit_hyst"`
	UseCltRevLimit   bool        `yaml:"use_clt_rev_limit"`
	CltRevLimitCurve CurveConfig `yaml:"clt_rev_limit_curve"`

	SoftLimitTimingRetard float64 `yaml:"soft_limit_timing_retard"`
	SoftLimitFuelAdded    float64 `yaml:"soft_limit_fuel_added"`
	CutFuelOnHardLimit    bool    `yaml:"cut_fuel_on_hard_limit"`
	CutSparkOnHardLimit   bool    `yaml:"cut_spark_on_hard_limit"`

	BoostCutPressure     float64 `yaml:"boost_cut_pressure"`
	BoostCutPressureHyst float64 `yaml:"boost_cut_pressure_hyst"`

	MinOilPressureAfterStart float64     `yaml:"min_oil_pressure_after_start"`
	EnableOilPressureProtect bool        `yaml:"enable_oil_pressure_protect"`
	MinOilPressureCurve      CurveConfig `yaml:"min_oil_pressure_curve"`
	MinOilPressureTimeout    Duration    `yaml:"min_oil_pressure_timeout"`

	MaxInjectorDutyInstant          float64  `yaml:"max_injector_duty_instant"`
	MaxInjectorDutySustained        float64  `yaml:"max_injector_duty_sustained"`
	MaxInjectorDutySustainedTimeout Duration `yaml:"max_injector_duty_sustained_timeout"`

	CylinderCleanupEnabled    bool `yaml:"cylinder_cleanup_enabled"`
	CutFuelInAcr              bool `yaml:"cut_fuel_in_acr"`
	RequirePhaseSyncForFiring bool `yaml:"require_phase_sync_for_firing"`
	ExternalGdiModule         bool `yaml:"external_gdi_module"`
}

type ButtonConfig struct {
	Enable            bool     `yaml:"enable"`
	Pin               int      `yaml:"pin"`
	StarterPin        int      `yaml:"starter_pin"`
	DebounceThreshold Duration `yaml:"debounce_threshold"`
	CrankingDuration  Duration `yaml:"cranking_duration"`
}

type TelemetryConfig struct {
	SummaryInterval Duration `yaml:"summary_interval"`
}

var validFunctions = map[string]bool{
	"none": true, "throttle1": true, "throttle2": true,
	"idle_valve": true, "wastegate": true,
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	if len(cfg.Throttles) == 0 {
		return Config{}, fmt.Errorf("at least one throttle must be configured")
	}
	if len(cfg.Throttles) > 2 {
		return Config{}, fmt.Errorf("at most two throttle slots are supported")
	}
	for i := range cfg.Throttles {
		t := &cfg.Throttles[i]
		if t.Function == "" {
			t.Function = "none"
		}
		if !validFunctions[t.Function] {
			return Config{}, fmt.Errorf("throttles[%d].function %q is unknown", i, t.Function)
		}
		if t.PID.Min == 0 && t.PID.Max == 0 {
			t.PID.Min, t.PID.Max = -100, 100
		}
		if t.PID.Min >= t.PID.Max {
			return Config{}, fmt.Errorf("throttles[%d].pid: min must be below max", i)
		}
		if t.PID.ITermMin == 0 && t.PID.ITermMax == 0 {
			t.PID.ITermMin, t.PID.ITermMax = -30, 30
		}
		if t.MaxPosition == 0 {
			t.MaxPosition = 100
		}
		if t.MaxPosition > 100 {
			return Config{}, fmt.Errorf("throttles[%d].max_position must not exceed 100", i)
		}
		if t.MinPosition >= t.MaxPosition {
			return Config{}, fmt.Errorf("throttles[%d]: min_position must be below max_position", i)
		}
		if t.IdleThrottleRange == 0 {
			t.IdleThrottleRange = 15
		}
		if t.JamTimeout <= 0 {
			t.JamTimeout = Duration(time.Second)
		}
		if t.Motor.FrequencyHz <= 0 {
			t.Motor.FrequencyHz = 800
		}
		if err := validateTable(fmt.Sprintf("throttles[%d].pedal_map", i), t.PedalMap); err != nil {
			return Config{}, err
		}
		if err := validateTable(fmt.Sprintf("throttles[%d].trim", i), t.Trim); err != nil {
			return Config{}, err
		}
		if err := validateTable(fmt.Sprintf("throttles[%d].traction_drop", i), t.TractionDrop); err != nil {
			return Config{}, err
		}
		if err := validateCurve(fmt.Sprintf("throttles[%d].bias", i), t.Bias); err != nil {
			return Config{}, err
		}
	}

	if cfg.Control.LoopFrequency <= 0 {
		cfg.Control.LoopFrequency = 500
	}
	if cfg.Control.RealtimePriority <= 0 {
		cfg.Control.RealtimePriority = 50
	}

	if cfg.ADC.Enable {
		if cfg.ADC.Bus == "" {
			cfg.ADC.Bus = "/dev/i2c-1"
		}
		if cfg.ADC.Addr == 0 {
			cfg.ADC.Addr = 0x48
		}
		if cfg.ADC.Interval <= 0 {
			cfg.ADC.Interval = Duration(2 * time.Millisecond)
		}
		if len(cfg.ADC.Channels) == 0 {
			return Config{}, fmt.Errorf("adc.enable requires adc.channels")
		}
		for i, ch := range cfg.ADC.Channels {
			if ch.Sensor == "" {
				return Config{}, fmt.Errorf("adc.channels[%d].sensor is required", i)
			}
			if ch.ClosedVolts == ch.OpenVolts {
				return Config{}, fmt.Errorf("adc.channels[%d]: closed_volts and open_volts must differ", i)
			}
		}
	}

	for i, p := range cfg.Sensors.RedundantPairs {
		if p.Combined == "" || p.Primary == "" || p.Secondary == "" {
			return Config{}, fmt.Errorf("sensors.redundant_pairs[%d]: combined, primary and secondary are required", i)
		}
		if p.MaxSplit <= 0 {
			return Config{}, fmt.Errorf("sensors.redundant_pairs[%d].max_split must be positive", i)
		}
	}

	if cfg.Limp.UpdateInterval <= 0 {
		cfg.Limp.UpdateInterval = Duration(20 * time.Millisecond)
	}
	if cfg.Limp.RpmHardLimit != 0 && cfg.Limp.RpmHardLimitHyst <= 0 {
		cfg.Limp.RpmHardLimitHyst = 200
	}
	if cfg.Limp.UseCltRevLimit {
		if len(cfg.Limp.CltRevLimitCurve.Bins) == 0 {
			return Config{}, fmt.Errorf("limp.use_clt_rev_limit requires limp.clt_rev_limit_curve")
		}
		if err := validateCurve("limp.clt_rev_limit_curve", cfg.Limp.CltRevLimitCurve); err != nil {
			return Config{}, err
		}
	}
	if cfg.Limp.EnableOilPressureProtect {
		if len(cfg.Limp.MinOilPressureCurve.Bins) == 0 {
			return Config{}, fmt.Errorf("limp.enable_oil_pressure_protect requires limp.min_oil_pressure_curve")
		}
		if err := validateCurve("limp.min_oil_pressure_curve", cfg.Limp.MinOilPressureCurve); err != nil {
			return Config{}, err
		}
		if cfg.Limp.MinOilPressureTimeout <= 0 {
			cfg.Limp.MinOilPressureTimeout = Duration(time.Second)
		}
	}

	if cfg.Button.Enable {
		if cfg.Button.DebounceThreshold <= 0 {
			cfg.Button.DebounceThreshold = Duration(10 * time.Millisecond)
		}
		if cfg.Button.CrankingDuration <= 0 {
			cfg.Button.CrankingDuration = Duration(5 * time.Second)
		}
	}

	if cfg.Telemetry.SummaryInterval <= 0 {
		cfg.Telemetry.SummaryInterval = Duration(time.Minute)
	}

	return cfg, nil
}

func validateCurve(name string, c CurveConfig) error {
	if len(c.Bins) != len(c.Values) {
		return fmt.Errorf("%s: bins and values must have equal length", name)
	}
	for i := 1; i < len(c.Bins); i++ {
		if c.Bins[i] <= c.Bins[i-1] {
			return fmt.Errorf("%s: bins must be strictly ascending", name)
		}
	}
	return nil
}

func validateTable(name string, t TableConfig) error {
	if len(t.XBins) == 0 && len(t.YBins) == 0 && len(t.Values) == 0 {
		return nil
	}
	if len(t.Values) != len(t.YBins) {
		return fmt.Errorf("%s: values must have one row per y bin", name)
	}
	for i, row := range t.Values {
		if len(row) != len(t.XBins) {
			return fmt.Errorf("%s: values[%d] must have one cell per x bin", name, i)
		}
	}
	for i := 1; i < len(t.XBins); i++ {
		if t.XBins[i] <= t.XBins[i-1] {
			return fmt.Errorf("%s: x_bins must be strictly ascending", name)
		}
	}
	for i := 1; i < len(t.YBins); i++ {
		if t.YBins[i] <= t.YBins[i-1] {
			return fmt.Errorf("%s: y_bins must be strictly ascending", name)
		}
	}
	return nil
}
