// Package app wires configuration, storage and the engine for a workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"defectline/internal/config"
	"defectline/internal/db"
	"defectline/internal/engine"
	"defectline/internal/metrics"
	"defectline/internal/migrate"
)

// Env is an opened, migrated workspace.
type Env struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
}

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Open validates the config, opens the configured database, applies pending
// migrations and builds the engine.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, dialect, cfg)
	eng.Logger = opts.Logger
	eng.Metrics = opts.Metrics
	return &Env{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Dialect:   dialect,
		Engine:    eng,
	}, nil
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
