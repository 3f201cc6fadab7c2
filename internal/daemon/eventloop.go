package daemon

import (
	"context"
	"time"
)

const statsInterval = 30 * time.Second

// runEventLoop logs queue and dispatcher activity until ctx is done.
func (d *Daemon) runEventLoop(ctx context.Context) error {
	d.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(d.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Event loop stopping")
			return nil
		case <-ticker.C:
			d.reportStats()
		}
	}
}

func (d *Daemon) reportStats() {
	c := d.components
	for lane, stats := range c.Queue.Stats() {
		if stats.Queued > 0 || stats.Running > 0 {
			d.log.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Int("running", stats.Running).
				Msg("Queue stats")
		}
	}

	event := d.log.Debug().Int("active_dispatchers", c.Dispatchers.Len())
	if c.Gateway != nil {
		event = event.Int("gateway_clients", len(c.Gateway.Hub.Clients()))
	}
	event.Msg("Daemon stats")
}
