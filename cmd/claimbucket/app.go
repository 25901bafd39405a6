package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/warp/claim-bucketing/artifact"
	"github.com/warp/claim-bucketing/config"
	"github.com/warp/claim-bucketing/engine"
	memstore "github.com/warp/claim-bucketing/engine/store"
	"github.com/warp/claim-bucketing/factory"
	"github.com/warp/claim-bucketing/metrics"
	"github.com/warp/claim-bucketing/store/postgres"
	"github.com/warp/claim-bucketing/store/sqlite"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   engine.TxStore
	metrics *metrics.Collector
	engine  *engine.Engine
	close   func() error
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore opens the configured backend. Opening a SQL store migrates it.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (engine.TxStore, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN, postgres.Options{
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// newApp loads config and wires store, catalog, encoder, metrics and
// engine. The engine is not started.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	catalog, err := factory.NewCatalogFactory().LoadFile(cfg.Catalog.Path)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	encoder, err := artifact.NewEncoder(artifact.Format(cfg.Artifacts.Format), cfg.Artifacts.Dir)
	if err != nil {
		closeStore()
		return nil, err
	}

	collector := metrics.NewCollector()
	e, err := engine.New(engine.Options{
		Store:     store,
		Catalog:   catalog,
		Encoder:   encoder,
		Metrics:   collector,
		Logger:    logger,
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	logger.Info("configuration loaded",
		"database", cfg.Database.Driver,
		"catalog", cfg.Catalog.Path,
		"artifacts", cfg.Artifacts.Format,
	)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: collector,
		engine:  e,
		close:   closeStore,
	}, nil
}
