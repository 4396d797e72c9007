// Package app assembles the aggregator service from configuration: the
// connection pools, the provider registry, the scheduler, and the
// backfill workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcpubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/api"
	"github.com/bibliofeed/aggregator/internal/archive"
	gcsarchive "github.com/bibliofeed/aggregator/internal/archive/gcs"
	"github.com/bibliofeed/aggregator/internal/backfill"
	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/clock/system"
	"github.com/bibliofeed/aggregator/internal/config"
	"github.com/bibliofeed/aggregator/internal/fetch"
	"github.com/bibliofeed/aggregator/internal/id/uuid"
	"github.com/bibliofeed/aggregator/internal/lock"
	"github.com/bibliofeed/aggregator/internal/metrics"
	"github.com/bibliofeed/aggregator/internal/orchestrator"
	"github.com/bibliofeed/aggregator/internal/providers/bookgen"
	"github.com/bibliofeed/aggregator/internal/providers/googlebooks"
	"github.com/bibliofeed/aggregator/internal/providers/openlibrary"
	memorypublisher "github.com/bibliofeed/aggregator/internal/publisher/memory"
	pubsubpublisher "github.com/bibliofeed/aggregator/internal/publisher/pubsub"
	"github.com/bibliofeed/aggregator/internal/queue"
	queuememory "github.com/bibliofeed/aggregator/internal/queue/memory"
	"github.com/bibliofeed/aggregator/internal/quota"
	"github.com/bibliofeed/aggregator/internal/ratelimit"
	"github.com/bibliofeed/aggregator/internal/registry"
	"github.com/bibliofeed/aggregator/internal/scheduler"
	"github.com/bibliofeed/aggregator/internal/store"
)

const httpClientTimeout = 30 * time.Second

// App holds the assembled service and its lifecycle hooks.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *pgxpool.Pool
	cache     *redis.Client
	locks     *lock.Manager
	jobs      *queuememory.Queue
	scheduler *scheduler.Scheduler
	workers   []*backfill.Worker
	server    *http.Server

	gcsClient    *storage.Client
	pubsubClient *gcpubsub.Client
}

// New builds the full dependency graph from configuration. The returned
// App owns every connection it opens; Run closes them on shutdown.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clock := system.New()

	pool, err := newPool(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	cache := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	a := &App{cfg: cfg, logger: logger, pool: pool, cache: cache}

	archiveStore, err := a.newArchive(ctx)
	if err != nil {
		a.closeClients()
		return nil, err
	}

	httpClient := &http.Client{Timeout: httpClientTimeout}
	fetcher := fetch.New(httpClient, cache, archiveStore, clock, logger.Named("fetch"))

	reg, delays, err := buildRegistry(fetcher, cfg.Providers)
	if err != nil {
		a.closeClients()
		return nil, err
	}

	limiter := ratelimit.New(cache, clock, delays, logger.Named("ratelimit"))
	quotaMgr := quota.New(cache, clock, cfg.Quota.DailyLimit, cfg.Quota.SafetyBuffer, logger.Named("quota"))
	orch := orchestrator.New(reg, limiter, quotaMgr, orchestrator.Options{}, logger.Named("orchestrator"))

	backfillStore := store.NewBackfillStore(pool)
	bookStore := store.NewBookStore(pool)
	a.locks = lock.NewManager(pool)

	publisher, err := a.newPublisher(ctx)
	if err != nil {
		a.closeClients()
		return nil, err
	}

	a.jobs = queuememory.NewQueue(cfg.Backfill.QueueDepth)
	idGen := uuid.New()

	a.scheduler = scheduler.New(backfillStore, publisher, a.jobs, idGen, scheduler.Config{
		JobTopic:      cfg.PubSub.JobTopic,
		BatchSize:     cfg.Backfill.BatchSize,
		PromptVariant: cfg.Backfill.PromptVariant,
		MaxRetries:    cfg.Backfill.MaxRetries,
	}, logger.Named("scheduler"))

	processor := backfill.NewProcessor(backfillStore, bookStore, a.locks, orch, publisher, backfill.Config{
		MaxRetries:      cfg.Backfill.MaxRetries,
		LockTimeout:     cfg.Backfill.LockTimeout(),
		EnrichmentTopic: cfg.PubSub.EnrichmentTopic,
	}, logger.Named("processor"))

	for i := 0; i < cfg.Backfill.Workers; i++ {
		a.workers = append(a.workers, backfill.NewWorker(
			a.jobs, processor, logger.Named("worker").With(zap.Int("index", i))))
	}

	apiServer := api.NewServer(a.scheduler, logger.Named("api"))
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Run starts the workers, the scheduler loop, and the HTTP server, then
// blocks until ctx is cancelled and everything has shut down.
func (a *App) Run(ctx context.Context) error {
	for _, w := range a.workers {
		go w.Run(ctx)
	}

	if interval := a.cfg.Backfill.SchedulerInterval(); interval > 0 {
		go a.scheduleLoop(ctx, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.shutdown(context.Background())
		return fmt.Errorf("http server: %w", err)
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) scheduleLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.scheduler.Schedule(ctx, scheduler.Request{Limit: a.cfg.Backfill.ScheduleLimit})
			if err != nil {
				a.logger.Error("scheduled run failed", zap.Error(err))
				continue
			}
			if len(resp.Selected) > 0 {
				a.logger.Info("scheduled run",
					zap.Int("selected", len(resp.Selected)),
					zap.Int("enqueued", resp.Enqueued))
			}
		}
	}
}

func (a *App) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.jobs.Close()
	a.locks.Close(ctx)
	a.closeClients()
}

func (a *App) closeClients() {
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Error("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Error("storage client close failed", zap.Error(err))
		}
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("redis client close failed", zap.Error(err))
	}
	a.pool.Close()
}

func newPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func (a *App) newArchive(ctx context.Context) (archive.Store, error) {
	if a.cfg.Archive.Provider != "gcs" {
		return archive.NoOp{}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	a.gcsClient = client
	blob, err := gcsarchive.New(client, gcsarchive.Config{
		Bucket: a.cfg.Archive.GCSBucket,
		Prefix: a.cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive store: %w", err)
	}
	return blob, nil
}

// newPublisher prefers Pub/Sub and falls back to the in-memory double when
// no project is configured, which keeps single-binary deployments working.
func (a *App) newPublisher(ctx context.Context) (queue.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("pubsub project not configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := gcpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsubClient = client
	return pubsubpublisher.New(client), nil
}

// buildRegistry instantiates every enabled provider and returns the
// registry plus the per-provider minimum call spacing for the rate
// limiter.
func buildRegistry(fetcher *fetch.Client, providers map[string]config.ProviderConfig) (*registry.Registry, map[string]time.Duration, error) {
	reg := registry.New()
	delays := make(map[string]time.Duration, len(providers))

	for name, pc := range providers {
		if !pc.Enabled {
			continue
		}
		var p book.Provider
		switch name {
		case "openlibrary":
			p = openlibrary.New(fetcher, openlibrary.Config{
				BaseURL:  pc.BaseURL,
				Priority: pc.Priority,
				Timeout:  pc.Timeout(),
				CacheTTL: pc.CacheTTL(),
			})
		case "googlebooks":
			p = googlebooks.New(fetcher, googlebooks.Config{
				BaseURL:  pc.BaseURL,
				APIKey:   pc.APIKey,
				Priority: pc.Priority,
				Timeout:  pc.Timeout(),
				CacheTTL: pc.CacheTTL(),
			})
		case "bookgen":
			p = bookgen.New(fetcher, bookgen.Config{
				BaseURL:  pc.BaseURL,
				APIKey:   pc.APIKey,
				Model:    pc.Model,
				Priority: pc.Priority,
				Timeout:  pc.Timeout(),
			})
		default:
			return nil, nil, fmt.Errorf("unknown provider %q in configuration", name)
		}
		if err := reg.Register(p); err != nil {
			return nil, nil, fmt.Errorf("register provider %q: %w", name, err)
		}
		delays[p.Descriptor().ID] = pc.MinDelay()
	}

	if len(reg.Generators()) == 0 {
		return nil, nil, fmt.Errorf("no generation-capable provider enabled")
	}
	return reg, delays, nil
}
