// Package app builds the long-lived service graph from configuration and
// owns its shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/api"
	sysclock "github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/coordinator"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitecrawler/internal/headless/detector"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/politeness"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/sitecrawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/sitecrawler/internal/queue/memory"
	badgerstore "github.com/JakeFAU/sitecrawler/internal/storage/badger"
	"github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/sitecrawler/internal/storage/redis"
)

// Options overrides process-wide defaults, mainly for tests.
type Options struct {
	// Registerer receives the progress sink collectors. Nil uses the
	// default Prometheus registry.
	Registerer prometheus.Registerer
	Clock      crawler.Clock
}

// App holds the shared, long-lived services.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Jobs        crawler.JobStore
	Coordinator *coordinator.Coordinator
	Manager     *dispatcher.Manager
	Hub         *progress.Hub

	pool    *pgxpool.Pool
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New initializes every backend named in cfg. It fails fast when a
// configured backend cannot be reached, releasing whatever was opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	clock := opts.Clock
	if clock == nil {
		clock = sysclock.New()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	if err := a.openDatabase(ctx, clock); err != nil {
		return nil, err
	}
	fingerprints, err := a.openFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	extractor, err := extract.New(extract.Options{
		Primary:  cfg.Extractor.Primary,
		Markdown: cfg.Extractor.Markdown,
		MaxChars: cfg.Crawler.ContentMaxChars,
	}, logger.Named("extract"))
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	deps := coordinator.Deps{
		Jobs:         a.Jobs,
		Fingerprints: fingerprints,
		Blobs:        blobs,
		Publisher:    publisher,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:           cfg.Crawler.UserAgent,
			Timeout:             cfg.Crawler.FetchTimeout,
			MaxRedirects:        cfg.Crawler.MaxRedirects,
			MaxBodyBytes:        cfg.HTTP.MaxBodyBytes,
			AllowedContentTypes: cfg.Crawler.AllowedContentTypes,
		}),
		Extractor: extractor,
		Retry:     cfg.RetryPolicy(),
		Robots: politeness.NewRobotsCache(politeness.RobotsConfig{
			UserAgent: cfg.Crawler.UserAgent,
			TTL:       cfg.Crawler.RobotsTTL,
			Timeout:   cfg.Crawler.RobotsTimeout,
			Attempts:  cfg.Crawler.RobotsAttempts,
		}, httpClient, clock, logger.Named("robots")),
		HTTPClient: httpClient,
		Clock:      clock,
		Logger:     logger.Named("coordinator"),
	}
	if cfg.Headless.Enabled {
		rendered, herr := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		})
		if herr != nil {
			logger.Warn("headless fetcher init failed; continuing without rendering", zap.Error(herr))
		} else {
			a.track("headless", rendered.Close)
			deps.Headless = rendered
			deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
		}
	}

	a.Coordinator, err = coordinator.New(coordinator.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Concurrency:    cfg.Crawler.Concurrency,
		MaxPages:       cfg.Crawler.MaxPages,
		MaxDepth:       cfg.Crawler.MaxDepth,
		RateInterval:   cfg.Crawler.RateInterval,
		FetchTimeout:   cfg.Crawler.FetchTimeout,
		JobTimeout:     cfg.Crawler.JobTimeout,
		GracePeriod:    cfg.Crawler.GracePeriod,
		FrontierWait:   cfg.Crawler.FrontierWait,
		SkipAssets:     cfg.Crawler.SkipAssets,
		DenyHosts:      cfg.Crawler.DenyHosts,
		BlobPrefix:     cfg.Storage.Prefix,
		Topic:          cfg.Publisher.Topic,
		WriteManifest:  cfg.Manifest.Enabled,
		SitemapMaxURLs: cfg.Crawler.SitemapMaxURLs,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.BatchSize,
		MaxBatchWait:   cfg.Progress.FlushInterval,
		Logger:         logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink)

	a.Manager, err = dispatcher.New(dispatcher.Config{
		Runners:          cfg.Jobs.Runners,
		EnqueueTimeout:   cfg.Jobs.EnqueueTimeout,
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		Retain:           cfg.Jobs.Retain,
		Defaults:         cfg.JobDefaults(),
	}, dispatcher.Deps{
		Jobs:    a.Jobs,
		Queue:   queuememory.NewQueue(cfg.Jobs.QueueDepth),
		Runner:  a.Coordinator,
		IDs:     uuid.New(),
		Emitter: a.Hub,
		Clock:   clock,
		Logger:  logger.Named("dispatcher"),
	})
	if err != nil {
		return nil, fmt.Errorf("init job manager: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("database", cfg.Database.Backend),
		zap.String("fingerprints", cfg.Fingerprints.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.Bool("headless", deps.Headless != nil),
	)
	return a, nil
}

// Server builds the HTTP API over the job manager.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Manager, a.Jobs, api.Config{
		APIKey:         a.Config.Server.APIKey,
		RequestTimeout: a.Config.Server.RequestTimeout,
		Ready:          a.Ready,
	}, a.Logger.Named("api"))
}

// Ready reports whether the downstream database answers.
func (a *App) Ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close stops accepting jobs, waits for running ones until ctx ends, then
// flushes the progress hub and closes every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Manager != nil {
		a.Manager.Close()
		if err := a.Manager.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if dropped := a.Hub.Dropped(); dropped > 0 {
			a.Logger.Warn("progress events dropped during run", zap.Int64("dropped", dropped))
		}
	}
	errs = append(errs, a.closeAll()...)
	return errors.Join(errs...)
}

func (a *App) track(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// closeAll releases backends in reverse open order.
func (a *App) closeAll() []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.Logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errs
}

func (a *App) openDatabase(ctx context.Context, clock crawler.Clock) error {
	cfg := a.Config.Database
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return err
		}
		a.pool = pool
		a.track("postgres", func() error { pool.Close(); return nil })
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, pool, postgres.Tables{}); err != nil {
				return err
			}
		}
		jobs, err := postgres.NewJobStore(pool, postgres.Tables{}, clock)
		if err != nil {
			return err
		}
		a.Jobs = jobs
	default:
		a.Jobs = memory.NewJobStore()
	}
	return nil
}

func (a *App) openFingerprints(ctx context.Context) (crawler.FingerprintStore, error) {
	cfg := a.Config.Fingerprints
	switch cfg.Backend {
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{Dir: cfg.BadgerPath}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.track("badger", store.Close)
		return store, nil
	case config.BackendRedis:
		store, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return nil, err
		}
		a.track("redis", store.Close)
		return store, nil
	case config.BackendPostgres:
		if a.pool == nil {
			pool, err := postgres.Connect(ctx, postgres.Config{DSN: a.Config.Database.DSN, MaxConns: a.Config.Database.MaxConns})
			if err != nil {
				return nil, err
			}
			a.pool = pool
			a.track("postgres", func() error { pool.Close(); return nil })
			if a.Config.Database.Migrate {
				if err := postgres.Migrate(ctx, pool, postgres.Tables{}); err != nil {
					return nil, err
				}
			}
		}
		return postgres.NewFingerprintStore(a.pool, postgres.Tables{})
	default:
		return memory.NewFingerprintStore(), nil
	}
}

func (a *App) openBlobs(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.Config.Storage
	switch cfg.Backend {
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket}, a.Logger.Named("gcs"))
		if err != nil {
			return nil, err
		}
		a.track("gcs", store.Close)
		return store, nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, err
		}
		a.track("local blobs", store.Close)
		return store, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.Config.Publisher
	switch cfg.Backend {
	case config.BackendPubSub:
		pub, err := pubsubpublisher.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		a.track("pubsub", pub.Close)
		return pub, nil
	case config.BackendKafka:
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: cfg.KafkaBrokers})
		if err != nil {
			return nil, err
		}
		a.track("kafka", pub.Close)
		return pub, nil
	default:
		return memorypublisher.New(), nil
	}
}
