// Package coordinator drives one crawl job from seed to terminal status.
//
// A bounded pool of workers pulls from the job's Frontier. Each popped entry
// passes the politeness gate, is fetched with retries, classified against its
// stored fingerprint, and (when new or changed) extracted, persisted, and
// mined for links. Counters live on the run and are only mutated under its
// lock, which is also where the max-pages cap is enforced.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/change"
	sysclock "github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fetcher/retry"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/manifest"
	"github.com/JakeFAU/sitecrawler/internal/politeness"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/sitemap"
)

// Defaults applied to zero Config fields.
const (
	DefaultConcurrency  = 4
	DefaultMaxPages     = 100
	DefaultMaxDepth     = 5
	DefaultFetchTimeout = 15 * time.Second
	DefaultJobTimeout   = 30 * time.Minute
	DefaultGracePeriod  = 10 * time.Second
	DefaultFrontierWait = 250 * time.Millisecond
)

// Config holds process-wide crawl settings. Per-job parameters override
// Concurrency, MaxPages, MaxDepth, and the rate interval when set.
type Config struct {
	UserAgent      string
	Concurrency    int
	MaxPages       int
	MaxDepth       int
	RateInterval   time.Duration
	FetchTimeout   time.Duration
	JobTimeout     time.Duration
	GracePeriod    time.Duration
	FrontierWait   time.Duration
	SkipAssets     bool
	DenyHosts      []string
	BlobPrefix     string
	Topic          string
	WriteManifest  bool
	SitemapMaxURLs int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.FrontierWait <= 0 {
		c.FrontierWait = DefaultFrontierWait
	}
	return c
}

// Deps are the collaborators shared by every job. Jobs, Fingerprints, Blobs,
// Fetcher, and Extractor are required.
type Deps struct {
	Jobs         crawler.JobStore
	Fingerprints crawler.FingerprintStore
	Blobs        crawler.BlobStore
	Publisher    crawler.Publisher
	Fetcher      crawler.Fetcher
	Headless     crawler.Fetcher
	Detector     crawler.HeadlessDetector
	Extractor    crawler.Extractor
	Retry        crawler.RetryPolicy
	Robots       *politeness.RobotsCache
	HTTPClient   *http.Client
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// Coordinator runs crawl jobs. A single Coordinator may run many jobs
// concurrently; all per-job state lives in the run.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and returns a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("coordinator: job store is required")
	case deps.Fingerprints == nil:
		return nil, errors.New("coordinator: fingerprint store is required")
	case deps.Blobs == nil:
		return nil, errors.New("coordinator: blob store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("coordinator: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("coordinator: extractor is required")
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Clock == nil {
		deps.Clock = sysclock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg.withDefaults(), deps: deps, logger: deps.Logger}, nil
}

// Run executes job until its frontier drains, the page cap is reached, ctx
// is cancelled, or the job timeout expires. It returns the job in its final
// state. The returned error is non-nil only when the job failed.
//
// Cancelling ctx is the cooperative cancellation signal: no further frontier
// pops happen and in-flight pages get the grace period to finish.
func (c *Coordinator) Run(ctx context.Context, job crawler.Job, reporter *progress.Reporter) (crawler.Job, error) {
	if reporter == nil {
		reporter = progress.NewReporter(job.ID, progress.ReporterOptions{Host: job.Host, Clock: c.deps.Clock})
	}
	logger := logging.ForJob(c.logger, job.ID, job.Host).With(zap.String("seed", job.SeedURL))
	params := c.effectiveParams(job.Parameters)
	job.Parameters = params

	scope, err := crawler.NewScope(job.SeedURL, crawler.ScopeOptions{
		FollowExternal: params.FollowExternal,
		SkipAssets:     c.cfg.SkipAssets,
		DenyHosts:      c.cfg.DenyHosts,
	})
	if err != nil {
		return c.finish(ctx, job, reporter, crawler.JobCounters{}, fmt.Errorf("invalid seed url: %w", err), logger)
	}
	if job.Host == "" {
		job.Host = crawler.Hostname(job.SeedURL)
	}

	if err := c.deps.Jobs.UpdateJobStatus(ctx, job.ID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		return c.finish(ctx, job, reporter, crawler.JobCounters{}, fmt.Errorf("job store unreachable: %w", err), logger)
	}
	started := c.deps.Clock.Now()
	job.Started = &started
	job.Status = crawler.JobStatusRunning
	reporter.OnJobStateChange(crawler.JobStatusRunning, crawler.JobCounters{}, "")
	logger.Info("crawl started",
		zap.Int("max_pages", params.MaxPages),
		zap.Int("max_depth", params.MaxDepth),
		zap.Int("concurrency", params.Concurrency),
		zap.Duration("rate_interval", params.RateInterval()),
		zap.Bool("respect_robots", params.RespectRobots),
	)

	jobCtx, cancelJob := context.WithTimeoutCause(ctx, c.cfg.JobTimeout, crawler.ErrJobTimeout)
	defer cancelJob()
	stopCtx, stop := context.WithCancelCause(jobCtx)
	defer stop(nil)

	// Work in flight keeps running for the grace period after a stop.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(stopCtx, func() {
		time.AfterFunc(c.cfg.GracePeriod, cancelWork)
	})
	defer stopGrace()

	polite := politeness.NewController(c.deps.Robots, params.RateInterval(), params.RespectRobots, logger)
	r := &run{
		c:        c,
		job:      job,
		params:   params,
		scope:    scope,
		frontier: frontier.New(),
		polite:   polite,
		fetcher:  retry.New(polite.Gate(c.deps.Fetcher), c.deps.Retry, logger),
		detector: change.NewDetector(c.deps.Fingerprints),
		reporter: reporter,
		logger:   logger,
		stop:     stop,
		wake:     make(chan struct{}),
	}
	if c.deps.Headless != nil {
		r.headless = polite.Gate(c.deps.Headless)
	}

	if err := r.seed(stopCtx); err != nil {
		return c.finish(ctx, job, reporter, r.snapshot(), err, logger)
	}

	group, groupCtx := errgroup.WithContext(stopCtx)
	for i := 0; i < params.Concurrency; i++ {
		group.Go(func() error {
			r.work(groupCtx, workCtx)
			return nil
		})
	}
	_ = group.Wait()

	counters := r.snapshot()
	if dropped := r.frontier.Drain(); dropped > 0 {
		logger.Debug("discarded remaining frontier entries", zap.Int("count", dropped))
	}

	var runErr error
	switch {
	case r.fatalErr() != nil:
		runErr = r.fatalErr()
	case ctx.Err() != nil:
		runErr = context.Canceled
	case errors.Is(context.Cause(jobCtx), crawler.ErrJobTimeout):
		runErr = crawler.ErrJobTimeout
	}
	return c.finish(ctx, job, reporter, counters, runErr, logger)
}

// finish records the terminal status. err == context.Canceled means the job
// was cancelled; any other non-nil err fails it.
func (c *Coordinator) finish(
	ctx context.Context,
	job crawler.Job,
	reporter *progress.Reporter,
	counters crawler.JobCounters,
	err error,
	logger *zap.Logger,
) (crawler.Job, error) {
	status := crawler.JobStatusCompleted
	errText := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = crawler.JobStatusCancelled
		err = nil
	case err != nil:
		status = crawler.JobStatusFailed
		errText = err.Error()
	}

	storeCtx := context.WithoutCancel(ctx)
	if uerr := c.deps.Jobs.UpdateJobStatus(storeCtx, job.ID, status, errText, counters); uerr != nil {
		logger.Error("final job status update failed", zap.Error(uerr))
	}
	completed := c.deps.Clock.Now()
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	job.Completed = &completed

	if status == crawler.JobStatusCompleted && c.cfg.WriteManifest && counters.PagesCrawled > 0 {
		c.writeManifest(storeCtx, job, logger)
	}
	reporter.OnJobStateChange(status, counters, errText)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("pages_crawled", counters.PagesCrawled),
		zap.Int("pages_failed", counters.PagesFailed),
		zap.Int("pages_discovered", counters.PagesDiscovered),
		zap.Int64("bytes", counters.BytesDownloaded),
	}
	if err != nil {
		logger.Warn("crawl failed", append(fields, zap.Error(err))...)
	} else {
		logger.Info("crawl finished", fields...)
	}
	return job, err
}

func (c *Coordinator) writeManifest(ctx context.Context, job crawler.Job, logger *zap.Logger) {
	pages, err := c.deps.Jobs.ListPages(ctx, job.ID)
	if err != nil {
		logger.Warn("manifest skipped: list pages failed", zap.Error(err))
		return
	}
	uri, err := manifest.Write(ctx, c.deps.Blobs, c.cfg.BlobPrefix, job.Host, pages)
	if err != nil {
		logger.Warn("manifest write failed", zap.Error(err))
		return
	}
	logger.Info("manifest written", zap.String("uri", uri))
}

func (c *Coordinator) effectiveParams(p crawler.JobParameters) crawler.JobParameters {
	if p.Concurrency <= 0 {
		p.Concurrency = c.cfg.Concurrency
	}
	if p.MaxPages <= 0 {
		p.MaxPages = c.cfg.MaxPages
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = c.cfg.MaxDepth
	}
	if p.RateLimit <= 0 {
		p.RateLimit = c.cfg.RateInterval.Seconds()
	}
	return p
}

func (c *Coordinator) sitemapLoader(polite *politeness.Controller) *sitemap.Loader {
	return sitemap.NewLoader(c.deps.HTTPClient, sitemap.Options{
		UserAgent: c.cfg.UserAgent,
		MaxURLs:   c.cfg.SitemapMaxURLs,
		Gate:      polite.WaitForSlot,
	}, c.logger)
}
