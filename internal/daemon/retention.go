package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/pkg/session"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// retentionScheduler runs the idle-session sweep on a cron schedule.
type retentionScheduler struct {
	cron      *cron.Cron
	retention *session.Retention
	log       zerolog.Logger
}

// newRetentionScheduler returns nil when no retention schedule is configured.
func newRetentionScheduler(cfg config.SessionsConfig, c *Components, log zerolog.Logger) (*retentionScheduler, error) {
	if cfg.RetentionCron == "" {
		return nil, nil
	}
	s := &retentionScheduler{
		cron: cron.New(),
		retention: &session.Retention{
			Registry:    c.Sessions,
			Transcripts: c.Transcripts,
			MaxIdle:     time.Duration(cfg.MaxIdleHours) * time.Hour,
		},
		log: log.With().Str("component", "retention").Logger(),
	}
	if _, err := s.cron.AddFunc(cfg.RetentionCron, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}
	return s, nil
}

func (s *retentionScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	keys, err := s.retention.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	s.log.Debug().Int("removed", len(keys)).Msg("Retention sweep finished")
}

// Run starts the schedule and blocks until ctx is done.
func (s *retentionScheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Retention schedule started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
