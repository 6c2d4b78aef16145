// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/api"
	"github.com/wikivault/wikivault/internal/checkpoint"
	"github.com/wikivault/wikivault/internal/config"
	"github.com/wikivault/wikivault/internal/media/gcs"
	"github.com/wikivault/wikivault/internal/media/local"
	"github.com/wikivault/wikivault/internal/orchestrator"
	"github.com/wikivault/wikivault/internal/progress"
	"github.com/wikivault/wikivault/internal/progress/sinks"
	pubsubpub "github.com/wikivault/wikivault/internal/publisher/pubsub"
	"github.com/wikivault/wikivault/internal/scheduler"
	"github.com/wikivault/wikivault/internal/source/mediawiki"
	"github.com/wikivault/wikivault/internal/store"
	"github.com/wikivault/wikivault/internal/store/postgres"
	"github.com/wikivault/wikivault/internal/wiki"
)

// App holds the shared, long-lived services: the archive store, the
// checkpoint store, the remote source client, the progress hub, and the
// orchestrator built on top of them. It is initialized once at startup
// and closed by a Cobra hook after the command finishes.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool        *pgxpool.Pool
	archive     store.Archive
	checkpoints checkpoint.Store
	source      *mediawiki.Client
	media       wiki.MediaStore
	publisher   *pubsubpub.Publisher
	pubsubConn  *pubsub.Client
	gcsConn     *gcstorage.Client
	hub         *progress.Hub
	orch        *orchestrator.Orchestrator
}

// New wires every service from the loaded configuration. It fails fast
// if any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	logger.Info("initializing services",
		zap.String("source", cfg.Source.BaseURL),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("media_backend", cfg.Media.Backend))

	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DB.MaxConns)
	poolCfg.MinConns = int32(cfg.DB.MinConns)
	poolCfg.MaxConnLifetime = cfg.ConnLifetime()
	a.pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}

	a.archive, err = postgres.NewWithPool(a.pool)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build archive store: %w", err)
	}

	a.checkpoints, err = a.buildCheckpoints()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	limiter := scheduler.NewLimiter(cfg.Scheduler.RequestsPerSecond, cfg.Scheduler.Burst)
	a.source, err = mediawiki.New(mediawiki.Config{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.SourceTimeout(),
		PageSize:  cfg.Source.PageSize,
	}, limiter, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build source client: %w", err)
	}

	if err := a.buildMedia(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.buildPublisher(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger), promSink)

	orchCfg := orchestrator.Config{
		Source:            a.source,
		Files:             a.source,
		Store:             a.archive,
		Media:             a.media,
		Checkpoints:       a.checkpoints,
		Emitter:           a.hub,
		Logger:            logger,
		Concurrency:       cfg.Scheduler.Concurrency,
		FetchTimeout:      cfg.FetchTimeout(),
		Retry:             scheduler.NewRetryPolicy(cfg.Scheduler.MaxAttempts, cfg.BackoffInitial(), cfg.BackoffMax()),
		FailureThreshold:  cfg.Scheduler.FailureThreshold,
		ThresholdMinTasks: cfg.Scheduler.ThresholdMinTasks,
	}
	if a.publisher != nil {
		orchCfg.Publisher = a.publisher
	}
	a.orch, err = orchestrator.New(orchCfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	logger.Info("services initialized")
	return a, nil
}

func (a *App) buildCheckpoints() (checkpoint.Store, error) {
	switch a.cfg.Checkpoint.Backend {
	case "file":
		cs, err := checkpoint.NewFileStore(a.cfg.Checkpoint.Dir)
		if err != nil {
			return nil, fmt.Errorf("build file checkpoint store: %w", err)
		}
		return cs, nil
	case "postgres":
		cs, err := checkpoint.NewPGStore(a.pool, a.cfg.Source.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("build postgres checkpoint store: %w", err)
		}
		return cs, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", a.cfg.Checkpoint.Backend)
	}
}

func (a *App) buildMedia(ctx context.Context) error {
	switch a.cfg.Media.Backend {
	case "local":
		ms, err := local.New(local.Config{BaseDir: a.cfg.Media.BaseDir})
		if err != nil {
			return fmt.Errorf("build local media store: %w", err)
		}
		a.media = ms
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("connect gcs: %w", err)
		}
		a.gcsConn = client
		ms, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Media.GCSBucket})
		if err != nil {
			return fmt.Errorf("build gcs media store: %w", err)
		}
		a.media = ms
	case "off":
		a.logger.Info("media archiving disabled")
	}
	return nil
}

func (a *App) buildPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("connect pubsub: %w", err)
	}
	a.pubsubConn = client
	a.publisher = pubsubpub.New(client.Topic(a.cfg.PubSub.TopicName))
	return nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the scrape orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Archive returns the revision archive, including point-in-time reads.
func (a *App) Archive() store.Archive { return a.archive }

// APIServer builds the status/metrics HTTP server over the orchestrator.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.orch, a.logger)
}

// Close shuts down services in reverse dependency order. Hub close
// flushes buffered progress events before the sinks go away.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubConn != nil {
		if err := a.pubsubConn.Close(); err != nil {
			a.logger.Warn("pubsub close", zap.Error(err))
		}
	}
	if a.gcsConn != nil {
		if err := a.gcsConn.Close(); err != nil {
			a.logger.Warn("gcs close", zap.Error(err))
		}
	}
	if a.archive != nil {
		a.archive.Close()
	} else if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
}
