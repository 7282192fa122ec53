package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"content_sync/internal/config"
	"content_sync/internal/metrics"
	"content_sync/internal/platform/hashnode"
	"content_sync/internal/service"
	"content_sync/internal/storage/postgres"
	"content_sync/internal/storage/sqlite"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sqlx.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	stores    service.Stores
	platform  *hashnode.Client
	analytics *service.AnalyticsCollector
	snapshots *service.SnapshotStore
	reports   *service.ReportStore
	runner    *service.Runner

	queue *sqlite.QueueStore
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := postgres.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("connected to database", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	stores := service.Stores{
		Articles:  postgres.NewArticleStore(db),
		Tags:      postgres.NewTagStore(db),
		Series:    postgres.NewSeriesStore(db),
		Users:     postgres.NewUserStore(db),
		SyncState: postgres.NewSyncStateStore(db),
		Tx:        postgres.NewTransactionManager(db),
	}

	platform := hashnode.New(hashnode.Config{
		Endpoint:        cfg.Platform.Endpoint,
		Token:           cfg.Platform.Token,
		PublicationHost: cfg.Platform.PublicationHost,
		PublicationID:   cfg.Platform.PublicationID,
		Timeout:         cfg.Platform.Timeout,
		MaxAttempts:     cfg.Platform.Retry.MaxAttempts,
		InitialBackoff:  cfg.Platform.Retry.InitialBackoff,
		MaxBackoff:      cfg.Platform.Retry.MaxBackoff,
	}, logger)

	analytics := service.NewAnalyticsCollector(stores.Articles)
	snapshots := service.NewSnapshotStore(cfg.Snapshots.Dir, stores, m, logger)
	reports := service.NewReportStore(cfg.Reports.Dir)
	migration := service.NewMigrationEngine(platform, stores, analytics, m, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		registry:  registry,
		metrics:   m,
		stores:    stores,
		platform:  platform,
		analytics: analytics,
		snapshots: snapshots,
		reports:   reports,
		runner:    service.NewRunner(snapshots, migration, analytics, reports, cfg.Snapshots, m, logger),
	}, nil
}

// coordinator opens the durable queue and returns a loaded coordinator.
func (a *app) coordinator(ctx context.Context) (*service.SyncCoordinator, error) {
	queue, err := sqlite.Open(a.cfg.Sync.QueuePath)
	if err != nil {
		return nil, err
	}
	a.queue = queue

	c := service.NewSyncCoordinator(a.platform, a.stores, queue, a.cfg.Sync, a.metrics, a.logger)
	if err := c.Load(ctx); err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	return c, nil
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("failed to close queue store", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}
