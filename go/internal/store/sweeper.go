package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultParticipantTTL is how long a participant row survives without being seen.
const DefaultParticipantTTL = 24 * time.Hour

// SweeperConfig controls the periodic inactive participant cleanup.
type SweeperConfig struct {
	Schedule string        // cron spec, e.g. "@hourly"
	TTL      time.Duration // participants unseen for longer are deleted
	Timeout  time.Duration // per run
}

// DefaultSweeperConfig returns an hourly sweep with a 24h TTL.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule: "@hourly",
		TTL:      DefaultParticipantTTL,
		Timeout:  30 * time.Second,
	}
}

// Sweeper deletes participants that have been inactive longer than the TTL.
type Sweeper struct {
	store *Store
	cfg   SweeperConfig
	clock clockwork.Clock
	cron  *cron.Cron
}

// NewSweeper creates a sweeper. The clock may be nil.
func NewSweeper(s *Store, cfg SweeperConfig, clock clockwork.Clock) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		store: s,
		cfg:   cfg,
		clock: clock,
		cron:  cron.New(),
	}
}

// RunOnce performs a single sweep.
func (sw *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := sw.clock.Now().Add(-sw.cfg.TTL)
	n, err := sw.store.SweepInactiveParticipants(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().
		Int64("participants_deleted", n).
		Time("cutoff", cutoff).
		Msg("inactive participant sweep complete")
	return n, nil
}

// Start schedules the sweep.
func (sw *Sweeper) Start() error {
	_, err := sw.cron.AddFunc(sw.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sw.cfg.Timeout)
		defer cancel()
		if _, err := sw.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("inactive participant sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sw.cfg.Schedule, err)
	}
	sw.cron.Start()
	log.Info().Str("schedule", sw.cfg.Schedule).Dur("ttl", sw.cfg.TTL).Msg("participant sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
}
