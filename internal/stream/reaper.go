package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically sweeps the manager for idle sessions. Sessions idle
// past the session timeout are expired through the same finalize path as an
// explicit finish, so a racing finish and sweep stay idempotent.
type Reaper struct {
	cron *cron.Cron
	mgr  *Manager
}

// NewReaper schedules a sweep of mgr every interval.
func NewReaper(mgr *Manager, interval time.Duration) (*Reaper, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := mgr.Reap(context.Background(), time.Now()); n > 0 {
			slog.Info("reaped idle sessions", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("stream: schedule reaper: %w", err)
	}
	return &Reaper{cron: c, mgr: mgr}, nil
}

// Start begins sweeping in the background.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule and returns a context that is done once any
// running sweep has finished.
func (r *Reaper) Stop() context.Context { return r.cron.Stop() }
