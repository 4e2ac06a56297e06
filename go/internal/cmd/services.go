package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/events"
	"github.com/mcdev12/planning-poker/go/internal/gateway"
	"github.com/mcdev12/planning-poker/go/internal/room"
	"github.com/mcdev12/planning-poker/go/internal/store"
	"github.com/mcdev12/planning-poker/go/internal/tally"
)

type Services struct {
	DB        *sql.DB
	Store     *store.Store
	Rooms     *room.Manager
	Gateway   *gateway.Service
	Sweeper   *store.Sweeper
	Publisher room.Publisher

	closePublisher func() error
}

func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Database → Store → Room manager → Gateway
	st, err := setupDatabase(ctx, cfg.database())
	if err != nil {
		return nil, err
	}
	database := st.DB()
	if err := st.InitSchema(ctx); err != nil {
		database.Close()
		return nil, err
	}

	policy, err := cfg.policy()
	if err != nil {
		database.Close()
		return nil, err
	}

	svc := &Services{DB: database, Store: st, Publisher: events.NoopPublisher{}}
	if cfg.natsURL != "" {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = cfg.natsURL
		publisher, err := events.NewJetStreamPublisher(ctx, jsCfg)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		svc.Publisher = publisher
		svc.closePublisher = publisher.Close
		log.Info().Str("nats_url", cfg.natsURL).Msg("publishing room events to JetStream")
	}

	clock := clockwork.NewRealClock()

	gwCfg := gateway.DefaultConfig()
	gwCfg.AllowedOrigins = cfg.origins()
	gwCfg.PublicURL = cfg.publicURL
	connections := gateway.NewConnectionManager(gwCfg.Connection, clock)

	roomCfg := room.DefaultConfig()
	roomCfg.GracePeriod = cfg.gracePeriod
	roomCfg.ParticipantTTL = cfg.participantTTL
	svc.Rooms = room.NewManager(room.Deps{
		Store:     st,
		Notifier:  connections,
		Publisher: svc.Publisher,
		Strategy:  tally.NewMajority(policy),
		Clock:     clock,
	}, roomCfg)

	svc.Gateway = gateway.NewService(gwCfg, connections, svc.Rooms, clock)

	if cfg.sweepSchedule != "" && cfg.participantTTL > 0 {
		sweepCfg := store.DefaultSweeperConfig()
		sweepCfg.Schedule = cfg.sweepSchedule
		sweepCfg.TTL = cfg.participantTTL
		svc.Sweeper = store.NewSweeper(st, sweepCfg, clock)
	}

	return svc, nil
}

// Close releases everything in reverse order of setup.
func (s *Services) Close() {
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	s.Gateway.Stop()
	s.Rooms.Shutdown()
	if s.closePublisher != nil {
		if err := s.closePublisher(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}
	if err := s.DB.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close database")
	}
}
