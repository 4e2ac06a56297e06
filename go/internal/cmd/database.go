package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/dbconfig"
	"github.com/mcdev12/planning-poker/go/internal/store"
)

func setupDatabase(ctx context.Context, dbCfg dbconfig.Config) (*store.Store, error) {
	dialect, err := store.DialectForDriver(dbCfg.Driver)
	if err != nil {
		return nil, err
	}

	database, err := sql.Open(dbCfg.Driver, dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if dialect == store.SQLite {
		// SQLite allows a single writer.
		database.SetMaxOpenConns(1)
	}

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("driver", dbCfg.Driver).
		Str("target", dbCfg.Target()).
		Msg("connected to database")
	return store.New(database, dialect), nil
}

func migrate(ctx context.Context, cfg *Config) error {
	st, err := setupDatabase(ctx, cfg.database())
	if err != nil {
		return err
	}
	defer st.DB().Close()

	if err := st.InitSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("database schema is up to date")
	return nil
}

func sweepOnce(ctx context.Context, cfg *Config) error {
	if cfg.participantTTL <= 0 {
		return errors.New("--participant-ttl must be positive to sweep")
	}
	st, err := setupDatabase(ctx, cfg.database())
	if err != nil {
		return err
	}
	defer st.DB().Close()

	sweeper := store.NewSweeper(st, store.SweeperConfig{TTL: cfg.participantTTL}, nil)
	_, err = sweeper.RunOnce(ctx)
	return err
}
