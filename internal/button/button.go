// Package button implements the start/stop button glue: input
// debouncing, starter engagement with a cranking timeout, and the stop
// request for a running engine.
package button

import (
	"log"
	"sync/atomic"
	"time"

	"etbd/internal/ctlmath"
)

// Debounce filters a mechanical contact: a state change is accepted
// only once the input has been stable past the threshold.
type Debounce struct {
	threshold  time.Duration
	lastChange ctlmath.Timer
	state      bool
}

func NewDebounce(threshold time.Duration) *Debounce {
	return &Debounce{threshold: threshold}
}

// Update feeds the raw pin state and returns the debounced state.
func (d *Debounce) Update(raw bool, now time.Time) bool {
	if raw != d.state && d.lastChange.HasElapsed(now, d.threshold) {
		d.state = raw
		d.lastChange.Reset(now)
	}
	return d.state
}

// Starter is the starter relay output. GetAndSet returns the previous
// engaged state so callers can log only actual transitions.
type Starter interface {
	GetAndSet(engaged bool) bool
}

// RelayStarter drives a relay through a set callback, tracking state
// locally so reads never touch hardware.
type RelayStarter struct {
	engaged atomic.Bool
	set     func(engaged bool) error
}

func NewRelayStarter(set func(engaged bool) error) *RelayStarter {
	return &RelayStarter{set: set}
}

func (r *RelayStarter) GetAndSet(engaged bool) bool {
	was := r.engaged.Swap(engaged)
	if was != engaged && r.set != nil {
		if err := r.set(engaged); err != nil {
			log.Printf("button: starter relay: %v", err)
		}
	}
	return was
}

func (r *RelayStarter) Engaged() bool { return r.engaged.Load() }

// Config for the button handler.
type Config struct {
	// DebounceThreshold for the physical contact.
	DebounceThreshold time.Duration

	// CrankingDuration bounds how long the starter stays engaged after
	// one push.
	CrankingDuration time.Duration
}

// Handler turns debounced button edges into starter and stop actions.
// Drive Tick from a slow periodic callback.
type Handler struct {
	cfg      Config
	debounce *Debounce
	starter  Starter

	readButton    func() bool
	engineStopped func() bool
	engineRunning func() bool
	requestStop   func()

	lastState   bool
	pushTime    time.Time
	toggleCount int
}

func NewHandler(cfg Config, starter Starter, readButton, engineStopped, engineRunning func() bool, requestStop func()) *Handler {
	if cfg.DebounceThreshold <= 0 {
		cfg.DebounceThreshold = 10 * time.Millisecond
	}
	if cfg.CrankingDuration <= 0 {
		cfg.CrankingDuration = 5 * time.Second
	}
	return &Handler{
		cfg:           cfg,
		debounce:      NewDebounce(cfg.DebounceThreshold),
		starter:       starter,
		readButton:    readButton,
		engineStopped: engineStopped,
		engineRunning: engineRunning,
		requestStop:   requestStop,
	}
}

// ToggleCount reports how many accepted pushes have been seen.
func (h *Handler) ToggleCount() int { return h.toggleCount }

func (h *Handler) Tick(now time.Time) {
	pressed := h.debounce.Update(h.readButton(), now)

	if pressed && !h.lastState {
		h.onToggle(now)
	}
	h.lastState = pressed

	if h.pushTime.IsZero() {
		// Nothing is going on with the button.
		return
	}

	// Disengage the starter once the engine catches.
	if h.engineRunning() {
		if h.starter.GetAndSet(false) {
			log.Printf("button: engine runs, disengaging starter")
			h.pushTime = time.Time{}
		}
		return
	}

	if now.Sub(h.pushTime) > h.cfg.CrankingDuration {
		if h.starter.GetAndSet(false) {
			log.Printf("button: cranking timeout after %s", h.cfg.CrankingDuration)
			h.pushTime = time.Time{}
		}
	}
}

func (h *Handler) onToggle(now time.Time) {
	h.toggleCount++

	if h.engineStopped() {
		if !h.starter.GetAndSet(true) {
			h.pushTime = now
			log.Printf("button: cranking for up to %s", h.cfg.CrankingDuration)
		}
	} else if h.engineRunning() {
		log.Printf("button: stop requested")
		h.requestStop()
	}
}
