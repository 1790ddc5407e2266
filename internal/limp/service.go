package limp

import (
	"context"
	"sync"
	"time"

	"etbd/internal/sensors"
)

// Service drives the arbiter at the fast engine-state update rate, plus
// any extra slow callbacks that want the same cadence (button glue).
type Service struct {
	arb      *Arbiter
	registry *sensors.Registry
	interval time.Duration
	extra    []func(now time.Time)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewService(arb *Arbiter, registry *sensors.Registry, interval time.Duration, extra ...func(now time.Time)) *Service {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &Service{
		arb:      arb,
		registry: registry,
		interval: interval,
		extra:    extra,
		stopCh:   make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				now := time.Now()
				s.arb.UpdateState(s.registry.GetOrZero(sensors.Rpm), now)
				for _, fn := range s.extra {
					fn(now)
				}
			}
		}
	}()
	return nil
}

func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
