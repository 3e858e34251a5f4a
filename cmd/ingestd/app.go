package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/livinlefevreloca/ingestd/internal/config"
	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/identity"
	"github.com/livinlefevreloca/ingestd/internal/ingest"
	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/livinlefevreloca/ingestd/internal/session"
	"github.com/livinlefevreloca/ingestd/migrations"
	"github.com/livinlefevreloca/ingestd/tools/migrator"
)

// app holds the wired components shared by the subcommands
type app struct {
	config    *config.Config
	logger    *slog.Logger
	db        *db.DB
	queue     *queue.Queue
	tracker   *session.Tracker
	ignore    *identity.IgnoreList
	resolver  *identity.Resolver
	pipeline  *ingest.Pipeline
	syncer    *ingest.Syncer
	scheduler *ingest.Scheduler
}

// newLogger builds the process logger from the logging settings
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openApp loads and validates configuration, connects to the database and
// wires every component. The caller closes the app.
func openApp() (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Debug("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if !cfg.Database.SkipMigrations {
		if err := migrate(database, logger); err != nil {
			database.Close()
			return nil, err
		}
	}

	a := &app{config: cfg, logger: logger, db: database}
	if err := a.wire(); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.config

	q, err := queue.New(a.db, cfg.Queue, nil, a.logger)
	if err != nil {
		return err
	}
	a.queue = q

	a.tracker = session.NewTracker(a.db, nil, a.logger)
	a.ignore = identity.NewIgnoreList(a.db, cfg.Identity.DefaultRegion, cfg.Identity.NoReplyPrefixes, a.logger)
	a.resolver = identity.NewResolver(a.db, a.ignore, cfg.Identity, nil, a.logger)
	a.pipeline = ingest.NewPipeline(a.db, a.resolver, a.tracker, q, nil, a.logger).
		WithScorer(ingest.NewActivityScorer(a.db))

	a.syncer = ingest.NewSyncer(a.db, a.tracker, q, nil, a.logger)
	if cfg.Export.Dir != "" {
		fetcher := ingest.NewExportFetcher(cfg.Export.Dir, cfg.Export.PageSize)
		for _, service := range cfg.Export.Services {
			a.syncer.Register(service, fetcher)
		}
	}

	a.scheduler = ingest.NewScheduler(cfg.Sync, q, a.db, a.tracker, nil, a.logger)
	return nil
}

// runner builds a job runner with a handler for every job kind
func (a *app) runner() *queue.Runner {
	r := queue.NewRunner(a.queue, nil, a.logger)
	r.HandleSync(a.syncer.HandleSync)
	r.Handle(ingest.KindNormalize, a.pipeline.HandleNormalize)
	r.OnFailed(ingest.KindNormalize, a.pipeline.FailNormalize)
	r.Handle(ingest.KindEmbed, a.pipeline.HandleEmbed)
	r.Handle(ingest.KindInsight, a.pipeline.HandleInsight)
	return r
}

func (a *app) Close() error {
	return a.db.Close()
}

func migrate(database *db.DB, logger *slog.Logger) error {
	if err := migrator.RunMigrations(database.DB, database.Driver(), migrations.FS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := migrator.GetCurrentVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	logger.Debug("database schema ready", "version", version)
	return nil
}
