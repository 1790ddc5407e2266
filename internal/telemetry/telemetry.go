// Package telemetry is the best-effort diagnostic sink: a calibration
// value channel consumed by slow external tools, plus prometheus metrics.
// All methods are nil-safe; control behavior never depends on a sink
// being attached.
package telemetry

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CalMode identifies what the calibration value channel currently carries.
// The {mode, value} pair multiplexes many quantities over one channel, so
// publishers must leave each value in place long enough for a slow
// consumer to capture it.
type CalMode uint8

const (
	CalNone CalMode = iota
	CalTps1Max
	CalTps1Min
	CalTps1SecondaryMax
	CalTps1SecondaryMin
	CalTps2Max
	CalTps2Min
	CalTps2SecondaryMax
	CalTps2SecondaryMin
	CalEtbKp
	CalEtbKi
	CalEtbKd
)

var calModeNames = map[CalMode]string{
	CalNone:             "none",
	CalTps1Max:          "tps1_max",
	CalTps1Min:          "tps1_min",
	CalTps1SecondaryMax: "tps1_secondary_max",
	CalTps1SecondaryMin: "tps1_secondary_min",
	CalTps2Max:          "tps2_max",
	CalTps2Min:          "tps2_min",
	CalTps2SecondaryMax: "tps2_secondary_max",
	CalTps2SecondaryMin: "tps2_secondary_min",
	CalEtbKp:            "etb_kp",
	CalEtbKi:            "etb_ki",
	CalEtbKd:            "etb_kd",
}

func (m CalMode) String() string {
	if s, ok := calModeNames[m]; ok {
		return s
	}
	return "unknown"
}

// Snapshot is the UI-facing view of the sink.
type Snapshot struct {
	CalibrationMode  string  `json:"calibration_mode"`
	CalibrationValue float64 `json:"calibration_value"`
}

type Sink struct {
	mu       sync.RWMutex
	calMode  CalMode
	calValue float64

	target      *prometheus.GaugeVec
	duty        *prometheus.GaugeVec
	dutyAverage *prometheus.GaugeVec
	dutyROC     *prometheus.GaugeVec
	faultCode   *prometheus.GaugeVec
	revLimit    prometheus.Gauge
	cutEvents   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		target: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etbd_throttle_target_percent",
			Help: "Current throttle position target.",
		}, []string{"throttle"}),
		duty: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etbd_throttle_duty_percent",
			Help: "Last computed throttle output before duty conversion.",
		}, []string{"throttle"}),
		dutyAverage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etbd_throttle_duty_average_percent",
			Help: "Moving average of output magnitude.",
		}, []string{"throttle"}),
		dutyROC: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etbd_throttle_duty_roc_percent",
			Help: "Moving average of output rate of change.",
		}, []string{"throttle"}),
		faultCode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etbd_throttle_fault_code",
			Help: "Current throttle status fault code (0 = ok).",
		}, []string{"throttle"}),
		revLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "etbd_rev_limit_rpm",
			Help: "Currently effective rev limit.",
		}),
		cutEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "etbd_cut_events_total",
			Help: "Fuel/spark cut engagements by reason.",
		}, []string{"reason"}),
	}
}

// PublishCalibration overwrites the multiplexed calibration channel.
func (s *Sink) PublishCalibration(mode CalMode, value float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.calMode = mode
	s.calValue = value
	s.mu.Unlock()
}

func (s *Sink) Calibration() (CalMode, float64) {
	if s == nil {
		return CalNone, 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calMode, s.calValue
}

func (s *Sink) Snapshot() Snapshot {
	mode, value := s.Calibration()
	return Snapshot{CalibrationMode: mode.String(), CalibrationValue: value}
}

func (s *Sink) SetThrottleTarget(idx int, v float64) {
	if s == nil {
		return
	}
	s.target.WithLabelValues(strconv.Itoa(idx)).Set(v)
}

func (s *Sink) SetThrottleDuty(idx int, duty, average, roc float64) {
	if s == nil {
		return
	}
	label := strconv.Itoa(idx)
	s.duty.WithLabelValues(label).Set(duty)
	s.dutyAverage.WithLabelValues(label).Set(average)
	s.dutyROC.WithLabelValues(label).Set(roc)
}

func (s *Sink) SetThrottleFault(idx int, code int) {
	if s == nil {
		return
	}
	s.faultCode.WithLabelValues(strconv.Itoa(idx)).Set(float64(code))
}

func (s *Sink) SetRevLimit(rpm float64) {
	if s == nil {
		return
	}
	s.revLimit.Set(rpm)
}

func (s *Sink) CountCut(reason string) {
	if s == nil {
		return
	}
	s.cutEvents.WithLabelValues(reason).Inc()
}
