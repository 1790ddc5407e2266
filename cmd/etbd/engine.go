package main

import (
	"log"
	"sync"
	"time"

	"etbd/internal/sensors"
)

// Above this rpm the engine is considered running rather than cranking.
const runningRpmThreshold = 400.0

// engineState derives coarse engine state from the rpm channel and holds
// the stop-request latch shared by the button and the web surface.
type engineState struct {
	registry *sensors.Registry

	mu            sync.Mutex
	startedAt     time.Time
	rpm           float64
	stopRequested bool
}

func newEngineState(registry *sensors.Registry) *engineState {
	return &engineState{registry: registry}
}

// Tick samples rpm and advances the start/stop transitions. Driven on the
// limp service interval.
func (e *engineState) Tick(now time.Time) {
	rpm := e.registry.GetOrZero(sensors.Rpm)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rpm = rpm
	if rpm > 0 && e.startedAt.IsZero() {
		e.startedAt = now
	}
	if rpm == 0 {
		e.startedAt = time.Time{}
		if e.stopRequested {
			e.stopRequested = false
			log.Printf("engine: stopped, clearing stop request")
		}
	}
}

func (e *engineState) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rpm > runningRpmThreshold
}

func (e *engineState) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rpm == 0
}

// SecondsSinceEngineStart is zero while the engine has never spun this
// power cycle.
func (e *engineState) SecondsSinceEngineStart(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startedAt.IsZero() {
		return 0
	}
	return now.Sub(e.startedAt).Seconds()
}

// RequestStop latches a stop request. The latch holds until rpm reaches
// zero so the cut cannot be bounced by a spinning engine.
func (e *engineState) RequestStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopRequested {
		e.stopRequested = true
		log.Printf("engine: stop requested")
	}
}

func (e *engineState) StopRequested(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}
