package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/engine"
	"trackline/internal/logging"
	"trackline/internal/migrate"
)

// Options select the workspace and the overrides taken from flags or env.
type Options struct {
	Workspace string
	// ConfigPath replaces <workspace>/trackline.yml when set.
	ConfigPath string
	// DBPath replaces <workspace>/.trackline/trackline.db when set.
	DBPath   string
	LogLevel string
	Logger   *zap.Logger
}

// App is an opened workspace: migrated database, loaded config and an engine
// over both.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Logger *zap.Logger
	Engine engine.Engine
}

// LoadConfig reads the explicit config path, or the workspace config falling
// back to defaults when the file is absent.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// Open loads config, opens and migrates the database and seeds the auditor
// identities the config names.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg, logger)
	if err := e.SeedAuditors(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{DB: conn, Config: cfg, Logger: logger, Engine: e}, nil
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
