package adc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"etbd/internal/ctlmath"
	"etbd/internal/sensors"
)

// Channel maps one converter input to a logical sensor with a two-point
// voltage calibration. Readings outside the plausibility window are
// reported invalid (broken wire or short), not clamped.
type Channel struct {
	Input  int
	Sensor sensors.Type

	// ClosedVolts maps to 0%, OpenVolts to 100%. The two may be inverted
	// for sensors with opposite slopes (typical secondary TPS channel).
	ClosedVolts float64
	OpenVolts   float64

	PlausibleMinVolts float64
	PlausibleMaxVolts float64
}

type Config struct {
	BusPath  string
	Addr     uint16
	Interval time.Duration
	Channels []Channel
}

// volatile readers for tests.
var openBusFn = openBus

type reader interface {
	ReadVolts(channel int) (float64, error)
	Close() error
}

// Poller periodically samples all configured channels and publishes
// calibrated percentages (plus the raw voltage) to the registry.
type Poller struct {
	cfg      Config
	registry *sensors.Registry

	conv reader

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewPoller(cfg Config, registry *sensors.Registry) *Poller {
	if cfg.BusPath == "" {
		cfg.BusPath = "/dev/i2c-1"
	}
	if cfg.Addr == 0 {
		cfg.Addr = 0x48
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Millisecond
	}
	return &Poller{cfg: cfg, registry: registry, stopCh: make(chan struct{})}
}

func (p *Poller) Start(ctx context.Context) error {
	if len(p.cfg.Channels) == 0 {
		return nil
	}

	b, err := openBusFn(p.cfg.BusPath, p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("adc: open %s: %w", p.cfg.BusPath, err)
	}
	p.conv = &ads1015{bus: b}

	for _, ch := range p.cfg.Channels {
		p.registry.Register(ch.Sensor)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	return nil
}

func (p *Poller) run(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	var readErrLogged bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-t.C:
			for _, ch := range p.cfg.Channels {
				volts, err := p.conv.ReadVolts(ch.Input)
				if err != nil {
					p.registry.Invalidate(ch.Sensor)
					if !readErrLogged {
						log.Printf("adc: read channel %d failed: %v", ch.Input, err)
						readErrLogged = true
					}
					continue
				}
				readErrLogged = false
				publish(p.registry, ch, volts)
			}
		}
	}
}

func publish(registry *sensors.Registry, ch Channel, volts float64) {
	if ch.PlausibleMaxVolts > ch.PlausibleMinVolts &&
		(volts < ch.PlausibleMinVolts || volts > ch.PlausibleMaxVolts) {
		registry.Invalidate(ch.Sensor)
		return
	}
	value := ctlmath.InterpolateClamped(ch.ClosedVolts, 0, ch.OpenVolts, 100, volts)
	registry.Set(ch.Sensor, value, volts)
}

func (p *Poller) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if p.conv != nil {
		_ = p.conv.Close()
	}
}
