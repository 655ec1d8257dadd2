package orchestrator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

func (o *Orchestrator) startReaper() error {
	if o.cfg.IdleTimeout <= 0 || o.reaper != nil {
		return nil
	}

	c := cron.New()
	schedule := "@every " + o.cfg.SweepInterval.String()
	if _, err := c.AddFunc(schedule, func() { o.Sweep(time.Now()) }); err != nil {
		return fmt.Errorf("failed to schedule idle reaper %q: %w", schedule, err)
	}
	c.Start()
	o.reaper = c

	o.logger.Info().
		Dur("idle_timeout", o.cfg.IdleTimeout).
		Dur("sweep_interval", o.cfg.SweepInterval).
		Msg("Idle reaper started")
	return nil
}

// Sweep closes sessions idle for at least IdleTimeout and returns how many
// it closed. Sessions with a running or queued loop are never idle.
func (o *Orchestrator) Sweep(now time.Time) int {
	if o.cfg.IdleTimeout <= 0 {
		return 0
	}

	closed := 0
	for _, e := range o.store.entries() {
		if o.queue.GetRunningCount(e.lane)+o.queue.GetQueueSize(e.lane) > 0 {
			continue
		}
		if e.session.IdleFor(now) < o.cfg.IdleTimeout {
			continue
		}
		if err := o.Close(e.session.ID, ReasonIdle); err == nil {
			closed++
		}
	}

	if closed > 0 {
		o.logger.Info().Int("closed", closed).Msg("Idle sessions reaped")
	}
	return closed
}
