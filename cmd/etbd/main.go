// Command etbd runs the electronic throttle daemon: sensor acquisition,
// the throttle control loop, the limp-mode arbiter and the web surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"etbd/internal/actuator"
	"etbd/internal/adc"
	"etbd/internal/button"
	"etbd/internal/config"
	"etbd/internal/ctlmath"
	"etbd/internal/limp"
	"etbd/internal/pid"
	"etbd/internal/sensors"
	"etbd/internal/telemetry"
	"etbd/internal/throttle"
	"etbd/internal/web"
)

func main() {
	configPath := flag.String("config", "dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := sensors.NewRegistry()
	registerSensors(registry, cfg)

	promReg := prometheus.NewRegistry()
	sink := telemetry.New(promReg)

	engine := newEngineState(registry)

	arb := limp.New(toLimpConfig(cfg.Limp), limp.Inputs{
		SecondsSinceEngineStart: engine.SecondsSinceEngineStart,
		EngineRunning:           engine.Running,
		StopRequested:           engine.StopRequested,
	}, registry, sink)
	arb.OnIgnitionStateChanged(true)

	env := throttle.Env{
		Registry:      registry,
		Arbiter:       arb,
		Sink:          sink,
		EngineRunning: engine.Running,
	}

	var controllers, active []*throttle.Controller
	for i, tc := range cfg.Throttles {
		c := throttle.New(i, toThrottleConfig(tc, cfg.Control.LoopFrequency), env)
		controllers = append(controllers, c)

		motor, err := actuator.Open(toMotorConfig(tc.Motor, i))
		if err != nil {
			log.Fatalf("throttle %d: open motor: %v", i, err)
		}
		ok, err := c.Init(motor)
		if err != nil {
			log.Fatalf("throttle %d: %v", i, err)
		}
		if !ok {
			log.Printf("throttle %d (%s): inactive, not driven", i, tc.Function)
			continue
		}
		active = append(active, c)
	}

	svc := throttle.NewService(active, throttle.ServiceConfig{
		LoopFrequency:    cfg.Control.LoopFrequency,
		Realtime:         cfg.Control.Realtime,
		RealtimePriority: cfg.Control.RealtimePriority,
	})
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("throttle service: %v", err)
	}
	defer svc.Close()

	btnTick := startButton(cfg.Button, engine)
	limpSvc := limp.NewService(arb, registry, cfg.Limp.UpdateInterval.Std(), engine.Tick, btnTick)
	if err := limpSvc.Start(ctx); err != nil {
		log.Fatalf("limp service: %v", err)
	}
	defer limpSvc.Close()

	if cfg.ADC.Enable {
		poller := adc.NewPoller(toADCConfig(cfg.ADC), registry)
		if err := poller.Start(ctx); err != nil {
			log.Fatalf("adc: %v", err)
		}
		defer poller.Close()
	}

	summary := startSummary(cfg.Telemetry.SummaryInterval.Std(), controllers, arb)
	defer summary.Stop()

	log.Printf("etbd listening on %s", cfg.Listen)
	if err := web.Serve(ctx, cfg.Listen, web.Deps{
		Controllers: controllers,
		Arbiter:     arb,
		Sink:        sink,
		Registry:    registry,
		Gatherer:    promReg,
		RequestStop: engine.RequestStop,
		BenchInput:  cfg.BenchInput,
	}); err != nil {
		log.Fatalf("web: %v", err)
	}
	log.Printf("etbd stopped")
}

// startButton wires the physical start/stop button when configured. The
// returned tick runs on the limp service interval; a disabled button
// yields a no-op tick.
func startButton(cfg config.ButtonConfig, engine *engineState) func(now time.Time) {
	if !cfg.Enable {
		return func(time.Time) {}
	}

	io, err := button.OpenIO(button.Pins{ButtonPin: cfg.Pin, StarterPin: cfg.StarterPin})
	if err != nil {
		log.Fatalf("button: %v", err)
	}

	starter := button.NewRelayStarter(io.SetStarter)
	h := button.NewHandler(button.Config{
		DebounceThreshold: cfg.DebounceThreshold.Std(),
		CrankingDuration:  cfg.CrankingDuration.Std(),
	}, starter, io.ReadButton, engine.Stopped, engine.Running, engine.RequestStop)
	return h.Tick
}

func registerSensors(r *sensors.Registry, cfg config.Config) {
	// Engine-state channels that arrive from the vehicle bus or bench
	// injection rather than the local converter.
	for _, t := range []sensors.Type{
		sensors.Rpm, sensors.Map, sensors.Clt, sensors.OilPressure,
		sensors.VehicleSpeed, sensors.WheelSlipRatio,
	} {
		r.Register(t)
	}
	for i, ch := range cfg.ADC.Channels {
		t := sensors.ParseType(ch.Sensor)
		if t == sensors.Invalid {
			log.Fatalf("adc.channels[%d]: unknown sensor %q", i, ch.Sensor)
		}
		r.Register(t)
	}
	for i, p := range cfg.Sensors.RedundantPairs {
		combined := sensors.ParseType(p.Combined)
		primary := sensors.ParseType(p.Primary)
		secondary := sensors.ParseType(p.Secondary)
		if combined == sensors.Invalid || primary == sensors.Invalid || secondary == sensors.Invalid {
			log.Fatalf("sensors.redundant_pairs[%d]: unknown sensor name", i)
		}
		r.RegisterRedundantPair(combined, primary, secondary, p.MaxSplit)
	}
}

func toThrottleConfig(tc config.ThrottleConfig, loopFrequency int) throttle.Config {
	out := throttle.Config{
		// Function names are validated by config.Load.
		Function: throttle.ParseFunction(tc.Function),
		PID: pid.Params{
			P: tc.PID.P, I: tc.PID.I, D: tc.PID.D,
			Offset: tc.PID.Offset, MinValue: tc.PID.Min, MaxValue: tc.PID.Max,
		},
		ITermMin:                 tc.PID.ITermMin,
		ITermMax:                 tc.PID.ITermMax,
		Period:                   loopPeriod(loopFrequency),
		TrimTable:                toTable(tc.Trim),
		TractionDropTable:        toTable(tc.TractionDrop),
		BiasCurve:                toCurve(tc.Bias),
		IdleThrottleRange:        tc.IdleThrottleRange,
		AntilagAdd:               tc.AntilagAdd,
		MinPosition:              tc.MinPosition,
		MaxPosition:              tc.MaxPosition,
		RevLimitStart:            tc.RevLimitStart,
		RevLimitRange:            tc.RevLimitRange,
		DutyAverageLength:        tc.DutyAverageLength,
		DutyRocLength:            tc.DutyRocLength,
		JamIntegratorLimit:       tc.JamIntegratorLimit,
		JamTimeout:               tc.JamTimeout.Std(),
		DisableWhenEngineStopped: tc.DisableWhenEngineStopped,
	}
	if len(tc.PedalMap.XBins) > 0 {
		m := toTable(tc.PedalMap)
		out.PedalMap = &m
	}
	return out
}

func toLimpConfig(lc config.LimpConfig) limp.Config {
	return limp.Config{
		InjectionEnabled:                lc.InjectionEnabled,
		IgnitionEnabled:                 lc.IgnitionEnabled,
		RpmHardLimit:                    lc.RpmHardLimit,
		RpmHardLimitHyst:                lc.RpmHardLimitHyst,
		UseCltRevLimit:                  lc.UseCltRevLimit,
		CltRevLimitCurve:                toCurve(lc.CltRevLimitCurve),
		SoftLimitTimingRetard:           lc.SoftLimitTimingRetard,
		SoftLimitFuelAdded:              lc.SoftLimitFuelAdded,
		CutFuelOnHardLimit:              lc.CutFuelOnHardLimit,
		CutSparkOnHardLimit:             lc.CutSparkOnHardLimit,
		BoostCutPressure:                lc.BoostCutPressure,
		BoostCutPressureHyst:            lc.BoostCutPressureHyst,
		MinOilPressureAfterStart:        lc.MinOilPressureAfterStart,
		EnableOilPressureProtect:        lc.EnableOilPressureProtect,
		MinOilPressureCurve:             toCurve(lc.MinOilPressureCurve),
		MinOilPressureTimeout:           lc.MinOilPressureTimeout.Std(),
		MaxInjectorDutyInstant:          lc.MaxInjectorDutyInstant,
		MaxInjectorDutySustained:        lc.MaxInjectorDutySustained,
		MaxInjectorDutySustainedTimeout: lc.MaxInjectorDutySustainedTimeout.Std(),
		CylinderCleanupEnabled:          lc.CylinderCleanupEnabled,
		CutFuelInAcr:                    lc.CutFuelInAcr,
		RequirePhaseSyncForFiring:       lc.RequirePhaseSyncForFiring,
		ExternalGdiModule:               lc.ExternalGdiModule,
	}
}

func toADCConfig(ac config.ADCConfig) adc.Config {
	out := adc.Config{BusPath: ac.Bus, Addr: ac.Addr, Interval: ac.Interval.Std()}
	for _, ch := range ac.Channels {
		out.Channels = append(out.Channels, adc.Channel{
			Input:             ch.Input,
			Sensor:            sensors.ParseType(ch.Sensor),
			ClosedVolts:       ch.ClosedVolts,
			OpenVolts:         ch.OpenVolts,
			PlausibleMinVolts: ch.PlausibleMinVolts,
			PlausibleMaxVolts: ch.PlausibleMaxVolts,
		})
	}
	return out
}

func loopPeriod(frequency int) time.Duration {
	return time.Second / time.Duration(frequency)
}

func toMotorConfig(mc config.MotorConfig, index int) actuator.Config {
	consumer := mc.Consumer
	if consumer == "" {
		consumer = fmt.Sprintf("etbd-throttle%d", index)
	}
	return actuator.Config{
		Dir1Pin:     mc.Dir1Pin,
		Dir2Pin:     mc.Dir2Pin,
		DisablePin:  mc.DisablePin,
		PWMChannel:  mc.PWMChannel,
		FrequencyHz: mc.FrequencyHz,
		Consumer:    consumer,
	}
}

func toCurve(c config.CurveConfig) ctlmath.Curve {
	return ctlmath.Curve{Bins: c.Bins, Values: c.Values}
}

func toTable(t config.TableConfig) ctlmath.Table {
	return ctlmath.Table{XBins: t.XBins, YBins: t.YBins, Values: t.Values}
}
