package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-co-op/gocron"

	"etbd/internal/limp"
	"etbd/internal/throttle"
)

// startSummary logs a periodic one-line health digest so long-running
// logs stay readable between fault transitions.
func startSummary(interval time.Duration, controllers []*throttle.Controller, arb *limp.Arbiter) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).Do(func() {
		logSummary(controllers, arb)
	})
	if err != nil {
		log.Printf("summary: schedule failed: %v", err)
		return s
	}
	s.StartAsync()
	return s
}

func logSummary(controllers []*throttle.Controller, arb *limp.Arbiter) {
	var parts []string
	for _, c := range controllers {
		s := c.Snapshot()
		parts = append(parts, fmt.Sprintf("%s status=%s target=%.1f pos=%.1f out=%.1f",
			s.Function, s.Status, s.Target, s.Position, s.Output))
	}
	ls := arb.Snapshot()
	parts = append(parts, fmt.Sprintf("limp inj=%s ign=%s etb=%s",
		allowWord(ls.AllowInjection, ls.InjectionReason),
		allowWord(ls.AllowIgnition, ls.IgnitionReason),
		allowWord(ls.AllowThrottle, ls.ThrottleReason)))
	log.Printf("summary: %s", strings.Join(parts, " | "))
}

func allowWord(ok bool, reason string) string {
	if ok {
		return "ok"
	}
	if reason == "" {
		reason = "cut"
	}
	return reason
}
