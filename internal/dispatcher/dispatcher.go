// Package dispatcher accepts crawl requests, queues them, and fans them out to
// a bounded pool of job runners.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	sysclock "github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// Sentinel errors returned by Manager.
var (
	ErrInvalidRequest = errors.New("invalid crawl request")
	ErrQueueFull      = errors.New("job queue is full")
	ErrClosed         = errors.New("job manager is closed")
)

const (
	defaultRunners        = 2
	defaultEnqueueTimeout = 5 * time.Second
	defaultRetain         = 1000
)

// Runner executes one job to a terminal status. *coordinator.Coordinator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, job crawler.Job, reporter *progress.Reporter) (crawler.Job, error)
}

// Config controls the manager.
type Config struct {
	// Runners bounds the number of jobs running at once.
	Runners          int
	EnqueueTimeout   time.Duration
	SubscriberBuffer int
	// Retain is how many finished jobs keep their in-memory reporter.
	Retain int
	// Defaults supplies values for request fields left unset.
	Defaults crawler.JobParameters
}

// Deps are the manager's collaborators. Jobs, Queue, Runner, and IDs are required.
type Deps struct {
	Jobs    crawler.JobStore
	Queue   crawler.Queue
	Runner  Runner
	IDs     crawler.IDGenerator
	Emitter progress.Emitter
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// StartRequest is a client crawl request. Exactly one of Host or URL is
// required; nil booleans and zero numbers take the configured defaults.
type StartRequest struct {
	Host           string  `json:"host,omitempty"`
	URL            string  `json:"url,omitempty"`
	MaxPages       int     `json:"max_pages,omitempty"`
	MaxDepth       int     `json:"max_depth,omitempty"`
	FollowLinks    *bool   `json:"follow_links,omitempty"`
	FollowExternal *bool   `json:"follow_external,omitempty"`
	RespectRobots  *bool   `json:"respect_robots_txt,omitempty"`
	UseSitemap     *bool   `json:"use_sitemap,omitempty"`
	RateLimit      float64 `json:"rate_limit,omitempty"`
	Concurrency    int     `json:"concurrency,omitempty"`
}

type entry struct {
	job      crawler.Job
	reporter *progress.Reporter
	cancel   context.CancelFunc
	// cancelRequested marks a queued job to be cancelled when dequeued.
	cancelRequested bool
	finished        bool
}

// Manager owns the lifecycle of crawl jobs in this process.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	finished []string
	closed   bool
	pending  sync.WaitGroup
}

// New validates deps and returns a Manager. Call Run to start the runners.
func New(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("dispatcher: job store is required")
	case deps.Queue == nil:
		return nil, errors.New("dispatcher: queue is required")
	case deps.Runner == nil:
		return nil, errors.New("dispatcher: runner is required")
	case deps.IDs == nil:
		return nil, errors.New("dispatcher: id generator is required")
	}
	if cfg.Runners <= 0 {
		cfg.Runners = defaultRunners
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	if deps.Clock == nil {
		deps.Clock = sysclock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		entries: make(map[string]*entry),
	}, nil
}

// Run starts the runners and blocks until ctx ends or the queue is closed and
// drained. Jobs still running when ctx ends are cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runLoop(ctx)
		}()
	}
	wg.Wait()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.abandonQueued()
}

// Start validates req, records the job as pending, and queues it. It returns
// as soon as the job is queued.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	params, err := m.parameters(req)
	if err != nil {
		return "", err
	}
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	job := crawler.Job{
		ID:         id,
		Host:       crawler.Hostname(params.SeedURL),
		SeedURL:    params.SeedURL,
		Status:     crawler.JobStatusPending,
		Created:    m.deps.Clock.Now(),
		Parameters: params,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.mu.Unlock()

	if err := m.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	e := &entry{
		job: job,
		reporter: progress.NewReporter(id, progress.ReporterOptions{
			Host:             job.Host,
			SubscriberBuffer: m.cfg.SubscriberBuffer,
			Emitter:          m.deps.Emitter,
			Clock:            m.deps.Clock,
		}),
	}
	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()
	m.pending.Add(1)

	enqueueCtx, cancel := context.WithTimeout(ctx, m.cfg.EnqueueTimeout)
	defer cancel()
	if err := m.deps.Queue.Enqueue(enqueueCtx, crawler.QueueItem{
		JobID:     id,
		Params:    params,
		Submitted: job.Created.UnixNano(),
	}); err != nil {
		reason := ErrQueueFull
		if errors.Is(err, crawler.ErrQueueClosed) {
			reason = ErrClosed
		}
		m.settle(e, crawler.JobStatusFailed, reason.Error())
		return "", fmt.Errorf("%w: %v", reason, err)
	}
	m.logger.Info("crawl queued", zap.String("job_id", id), zap.String("seed", job.SeedURL))
	return id, nil
}

// Status returns the stored job, with live counters while it is running.
func (m *Manager) Status(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if e := m.entry(id); e != nil {
		snap := e.reporter.Snapshot()
		job.Counters.PagesCrawled = snap.PagesCrawled
		job.Counters.PagesDiscovered = snap.PagesDiscovered
		job.Counters.PagesFailed = snap.PagesFailed
		job.Counters.PagesAdded = snap.PagesAdded
		job.Counters.PagesUpdated = snap.PagesUpdated
		job.Counters.PagesUnchanged = snap.PagesUnchanged
		job.Counters.BytesDownloaded = snap.BytesDownloaded
	}
	return job, nil
}

// Snapshot returns the job's current progress.
func (m *Manager) Snapshot(ctx context.Context, id string) (progress.Snapshot, error) {
	if e := m.entry(id); e != nil {
		return e.reporter.Snapshot(), nil
	}
	job, err := m.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return progress.Snapshot{}, fmt.Errorf("get job: %w", err)
	}
	return progress.SnapshotFromJob(job), nil
}

// Subscribe attaches a live listener to a job held in memory. The channel
// is closed after the terminal "complete" update or when cancel is called.
func (m *Manager) Subscribe(id string) (<-chan progress.Update, func(), error) {
	e := m.entry(id)
	if e == nil {
		return nil, nil, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	updates, cancel := e.reporter.Subscribe()
	return updates, cancel, nil
}

// Cancel requests cooperative cancellation. accepted is false once the job
// is terminal.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		switch {
		case e.finished:
			m.mu.Unlock()
			return false, nil
		case e.cancel != nil:
			cancel := e.cancel
			m.mu.Unlock()
			cancel()
			m.logger.Info("crawl cancellation requested", zap.String("job_id", id))
			return true, nil
		default:
			e.cancelRequested = true
			m.mu.Unlock()
			m.logger.Info("queued crawl marked for cancellation", zap.String("job_id", id))
			return true, nil
		}
	}
	m.mu.Unlock()

	// Known to the store but not to this process: nothing to signal.
	if _, err := m.deps.Jobs.GetJob(ctx, id); err != nil {
		return false, fmt.Errorf("get job: %w", err)
	}
	return false, nil
}

// Wait blocks until every accepted job is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// Close stops accepting jobs. Queued jobs still run; Run returns once the
// queue drains.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if closer, ok := m.deps.Queue.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (m *Manager) runLoop(ctx context.Context) {
	for {
		item, err := m.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			m.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		m.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		m.execute(ctx, item)
	}
}

func (m *Manager) execute(ctx context.Context, item crawler.QueueItem) {
	m.mu.Lock()
	e, ok := m.entries[item.JobID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("dequeued unknown job", zap.String("job_id", item.JobID))
		return
	}
	if e.cancelRequested {
		m.mu.Unlock()
		m.settle(e, crawler.JobStatusCancelled, "")
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	final, err := m.deps.Runner.Run(jobCtx, e.job, e.reporter)
	if err != nil {
		m.logger.Debug("job ended with error", zap.String("job_id", item.JobID), zap.Error(err))
	}
	m.mu.Lock()
	e.job = final
	m.mu.Unlock()
	m.retire(e)
}

// settle finishes a job that never reached the runner.
func (m *Manager) settle(e *entry, status crawler.JobStatus, errText string) {
	storeCtx := context.Background()
	if err := m.deps.Jobs.UpdateJobStatus(storeCtx, e.job.ID, status, errText, crawler.JobCounters{}); err != nil {
		m.logger.Error("job status update failed", zap.String("job_id", e.job.ID), zap.Error(err))
	}
	e.reporter.OnJobStateChange(status, crawler.JobCounters{}, errText)
	m.mu.Lock()
	e.job.Status = status
	e.job.ErrorText = errText
	m.mu.Unlock()
	m.retire(e)
}

// retire marks e finished and evicts the oldest finished entries beyond Retain.
func (m *Manager) retire(e *entry) {
	m.mu.Lock()
	e.finished = true
	e.cancel = nil
	m.finished = append(m.finished, e.job.ID)
	for len(m.finished) > m.cfg.Retain {
		delete(m.entries, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
	m.pending.Done()
}

// abandonQueued cancels jobs left in the queue after the runners stopped.
func (m *Manager) abandonQueued() {
	m.mu.Lock()
	var stranded []*entry
	for _, e := range m.entries {
		if !e.finished && e.cancel == nil {
			stranded = append(stranded, e)
		}
	}
	m.mu.Unlock()
	for _, e := range stranded {
		m.settle(e, crawler.JobStatusCancelled, "")
	}
}

func (m *Manager) entry(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id]
}

func (m *Manager) parameters(req StartRequest) (crawler.JobParameters, error) {
	target := req.URL
	switch {
	case req.URL != "" && req.Host != "":
		return crawler.JobParameters{}, fmt.Errorf("%w: set either host or url, not both", ErrInvalidRequest)
	case req.URL == "":
		target = req.Host
	}
	seed, err := crawler.SeedURL(target)
	if err != nil {
		return crawler.JobParameters{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.MaxPages < 0 || req.MaxDepth < 0 || req.Concurrency < 0 || req.RateLimit < 0 {
		return crawler.JobParameters{}, fmt.Errorf("%w: numeric limits must not be negative", ErrInvalidRequest)
	}

	p := m.cfg.Defaults
	p.SeedURL = seed
	if req.MaxPages > 0 {
		p.MaxPages = req.MaxPages
	}
	if req.MaxDepth > 0 {
		p.MaxDepth = req.MaxDepth
	}
	if req.Concurrency > 0 {
		p.Concurrency = req.Concurrency
	}
	if req.RateLimit > 0 {
		p.RateLimit = req.RateLimit
	}
	p.FollowLinks = boolOr(req.FollowLinks, p.FollowLinks)
	p.FollowExternal = boolOr(req.FollowExternal, p.FollowExternal)
	p.RespectRobots = boolOr(req.RespectRobots, p.RespectRobots)
	p.UseSitemap = boolOr(req.UseSitemap, p.UseSitemap)
	return p, nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
