package throttle

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"
)

// DefaultLoopFrequency is the actuator control rate in Hz. Missing an
// update cycle is a safety concern, so the loop runs on a dedicated
// locked thread, elevated to a real-time scheduling class where the
// platform supports it.
const DefaultLoopFrequency = 500

type ServiceConfig struct {
	LoopFrequency int

	// Realtime requests SCHED_FIFO for the control thread. Requires
	// privileges; failure to elevate is logged and the loop continues
	// best-effort.
	Realtime         bool
	RealtimePriority int
}

// Service drives the fixed set of controllers at the control rate.
type Service struct {
	controllers []*Controller
	interval    time.Duration
	realtime    bool
	rtPriority  int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(controllers []*Controller, cfg ServiceConfig) *Service {
	freq := cfg.LoopFrequency
	if freq <= 0 {
		freq = DefaultLoopFrequency
	}
	priority := cfg.RealtimePriority
	if priority <= 0 {
		priority = 50
	}
	return &Service{
		controllers: controllers,
		interval:    time.Second / time.Duration(freq),
		realtime:    cfg.Realtime,
		rtPriority:  priority,
		stopCh:      make(chan struct{}),
	}
}

// Controllers exposes the fixed slot array for external setters.
func (s *Service) Controllers() []*Controller { return s.controllers }

func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	runtime.LockOSThread()
	if s.realtime {
		if err := setRealtimePriority(s.rtPriority); err != nil {
			log.Printf("throttle: realtime scheduling unavailable: %v", err)
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			for _, c := range s.controllers {
				c.Update(now)
			}
		}
	}
}

func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	for _, c := range s.controllers {
		if c.motor != nil {
			c.motor.Disable("shutdown")
		}
	}
}
