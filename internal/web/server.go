// Package web exposes the daemon's status and command surface: a JSON
// status snapshot, prometheus metrics, and the console-style throttle
// commands over HTTP.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"etbd/internal/limp"
	"etbd/internal/sensors"
	"etbd/internal/telemetry"
	"etbd/internal/throttle"
)

// Deps are the collaborators the handlers read from and command.
type Deps struct {
	Controllers []*throttle.Controller
	Arbiter     *limp.Arbiter
	Sink        *telemetry.Sink
	Registry    *sensors.Registry
	Gatherer    prometheus.Gatherer

	// RequestStop schedules an engine stop, same as the physical
	// button.
	RequestStop func()

	// BenchInput permits writing sensor values over HTTP. Only for
	// bench setups; never enable on a vehicle.
	BenchInput bool
}

// StatusSnapshot is the full diagnostics document.
type StatusSnapshot struct {
	TimeUTC     string               `json:"time_utc"`
	Controllers []throttle.Snapshot  `json:"controllers"`
	Limp        limp.Snapshot        `json:"limp"`
	Calibration telemetry.Snapshot   `json:"calibration"`
	Sensors     map[string]SensorOut `json:"sensors"`
}

type SensorOut struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// statusSensors is the subset of channels worth showing on the status
// page.
var statusSensors = []sensors.Type{
	sensors.Tps1, sensors.Tps2, sensors.Pedal, sensors.Rpm,
	sensors.Map, sensors.Clt, sensors.OilPressure, sensors.VehicleSpeed,
}

func buildStatus(deps Deps, now time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		TimeUTC:     now.UTC().Format(time.RFC3339),
		Limp:        deps.Arbiter.Snapshot(),
		Calibration: deps.Sink.Snapshot(),
		Sensors:     make(map[string]SensorOut),
	}
	for _, c := range deps.Controllers {
		snap.Controllers = append(snap.Controllers, c.Snapshot())
	}
	for _, t := range statusSensors {
		if !deps.Registry.Has(t) {
			continue
		}
		v, ok := deps.Registry.Get(t)
		snap.Sensors[t.String()] = SensorOut{Value: v, Valid: ok}
	}
	return snap
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// controllerAt bounds-checks an index from a request body.
func controllerAt(deps Deps, idx int) (*throttle.Controller, error) {
	if idx < 0 || idx >= len(deps.Controllers) {
		return nil, fmt.Errorf("no throttle %d", idx)
	}
	return deps.Controllers[idx], nil
}

func Handler(deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, buildStatus(deps, time.Now()))
	})

	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/throttle/duty", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Index   int     `json:"index"`
			Percent float64 `json:"percent"`
			Clear   bool    `json:"clear"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := controllerAt(deps, req.Index)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Clear {
			c.ClearManualDuty()
		} else {
			c.SetManualDuty(req.Percent)
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/throttle/autocal", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Index int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := controllerAt(deps, req.Index)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.AutoCalibrate()
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/throttle/autotune", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Index   int  `json:"index"`
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := controllerAt(deps, req.Index)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.SetAutotune(req.Enabled)
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/throttle/reset", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Index int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := controllerAt(deps, req.Index)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.Reset()
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/engine/stop", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if deps.RequestStop == nil {
			http.Error(w, "stop control unavailable", http.StatusNotFound)
			return
		}
		deps.RequestStop()
		writeJSON(w, map[string]bool{"ok": true})
	})

	// Bench-only sensor injection.
	mux.HandleFunc("/api/sensors", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if !deps.BenchInput {
			http.Error(w, "bench input disabled", http.StatusForbidden)
			return
		}
		var req struct {
			Name    string  `json:"name"`
			Value   float64 `json:"value"`
			Invalid bool    `json:"invalid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		t := sensors.ParseType(req.Name)
		if t == sensors.Invalid {
			http.Error(w, "unknown sensor "+req.Name, http.StatusBadRequest)
			return
		}
		if req.Invalid {
			deps.Registry.Invalidate(t)
		} else {
			deps.Registry.Set(t, req.Value, req.Value)
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, deps Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
