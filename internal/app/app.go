// Package app wires the engine's components together for the CLI and
// the server: database, migrations, safety policy, registry, pipeline,
// and worker, all sharing one immutable config.
package app

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"hearth/internal/config"
	"hearth/internal/db"
	"hearth/internal/engine"
	"hearth/internal/events"
	"hearth/internal/migrate"
	"hearth/internal/reason"
	"hearth/internal/registry"
	"hearth/internal/repo"
	"hearth/internal/safety"
	"hearth/internal/worker"
)

type App struct {
	DB        *sql.DB
	Config    config.Config
	Policy    *safety.Policy
	Registry  *registry.Registry
	Engine    engine.Engine
	Repo      repo.Repo
	Processor events.Processor
	Log       zerolog.Logger
}

// Open builds the application context: opens and migrates the
// workspace database, loads the safety policy with any overrides, and
// constructs the registry and engine.
func Open(cfg config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return New(conn, cfg)
}

// New builds the application context over an existing database handle.
func New(conn *sql.DB, cfg config.Config) (*App, error) {
	policy := safety.Default()
	if err := policy.LoadOverrides(cfg.TierOverridesPath); err != nil {
		return nil, fmt.Errorf("load tier overrides: %w", err)
	}
	r := repo.Repo{DB: conn}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	reg, err := registry.New(policy, registry.Deps{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Repo: r},

		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return &App{
		DB:       conn,
		Config:   cfg,
		Policy:   policy,
		Registry: reg,
		Engine:   engine.New(conn, cfg, policy),
		Repo:     r,
		Processor: events.Processor{
			DB:         conn,
			Repo:       r,
			MaxRetries: cfg.DefaultMaxRetries,
			Log:        log,
		},
		Log: log,
	}, nil
}

// Worker constructs the polling worker over this app context.
func (a *App) Worker() *worker.Worker {
	return &worker.Worker{
		DB:       a.DB,
		Repo:     a.Repo,
		Registry: a.Registry,
		Policy:   a.Policy,
		Reasoner: reason.New(reason.Config{
			URL:     a.Config.ReasonerURL,
			Timeout: a.Config.ReasonerTimeout,
			Source:  a.Config.ReasonerSource,
		}),
		Config: a.Config,
		Now:    time.Now,
		Log:    a.Log,
	}
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.DB.Close()
}
