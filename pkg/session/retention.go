package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Retention is the opt-in sweep that forgets idle conversations.
type Retention struct {
	Registry    *Registry
	Transcripts *TranscriptWriter
	MaxIdle     time.Duration
	Now         func() time.Time
}

// Sweep removes entries idle for longer than MaxIdle along with their
// transcripts, and returns the removed keys.
func (r *Retention) Sweep(ctx context.Context) ([]string, error) {
	if r.MaxIdle <= 0 {
		return nil, errors.New("retention max idle must be positive")
	}
	store := r.Registry.Store()
	if store == nil {
		return nil, nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	keys, err := store.PruneIdle(ctx, now().Add(-r.MaxIdle))
	if err != nil {
		return nil, err
	}
	r.Registry.Evict(keys...)

	if r.Transcripts != nil {
		for _, key := range keys {
			if err := r.Transcripts.Remove(key); err != nil {
				log.Warn().Err(err).Str("session_key", key).Msg("Failed to remove transcript")
			}
		}
	}

	if len(keys) > 0 {
		log.Info().Int("removed", len(keys)).Dur("max_idle", r.MaxIdle).Msg("Idle sessions pruned")
	}
	return keys, nil
}
