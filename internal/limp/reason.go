package limp

// Reason explains why an allow-flag is currently cleared. A flag carries
// the reason of the last condition that cleared it during an update pass.
type Reason int

const (
	None Reason = iota
	IgnitionOff
	GdiComms
	Lua
	ACR
	HardLimit
	LambdaProtection
	EnginePhase
	FaultRevLimit
	BoostCut
	OilPressure
	StopRequested
	InjectorDutyCycle
	FloodClear
	LaunchCut
	Fatal
)

var reasonNames = map[Reason]string{
	None:              "none",
	IgnitionOff:       "ignition_off",
	GdiComms:          "gdi_comms",
	Lua:               "script",
	ACR:               "acr",
	HardLimit:         "hard_rev_limit",
	LambdaProtection:  "lambda_protection",
	EnginePhase:       "engine_phase",
	FaultRevLimit:     "fault_rev_limit",
	BoostCut:          "boost_cut",
	OilPressure:       "oil_pressure",
	StopRequested:     "stop_requested",
	InjectorDutyCycle: "injector_duty_cycle",
	FloodClear:        "flood_clear",
	LaunchCut:         "launch_control",
	Fatal:             "fatal",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// State is the result of an allow query: whether the operation is
// permitted, and if not, which condition denied it.
type State struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"-"`
}

// clearable is an allow-flag that starts allowed and can only be cleared,
// recording the clearing reason. Later clears overwrite the reason.
type clearable struct {
	allowed bool
	reason  Reason
}

func allowedFlag(allowed bool) clearable {
	return clearable{allowed: allowed}
}

func (c *clearable) Clear(r Reason) {
	c.allowed = false
	c.reason = r
}
