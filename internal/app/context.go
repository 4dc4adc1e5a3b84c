// Package app wires the pieces together for the CLI and tests: open the
// workspace database, run migrations, load config, build the engine.
package app

import (
	"database/sql"
	"fmt"

	"revclaw/internal/config"
	"revclaw/internal/db"
	"revclaw/internal/engine"
	"revclaw/internal/migrate"
	"revclaw/internal/payment"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
}

// Open prepares the workspace: database opened and migrated, config
// loaded (defaults when the file is absent), engine assembled against
// the real payment client.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	payments := payment.NewHTTPClient(cfg.Stripe)
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, payments, cfg),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
