package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/change"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/politeness"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// Frontier priorities: discovered links outrank sitemap-only URLs.
const (
	priorityLink    = 0
	prioritySitemap = -1
)

// run is the per-job aggregate shared by the workers.
type run struct {
	c        *Coordinator
	job      crawler.Job
	params   crawler.JobParameters
	scope    *crawler.Scope
	frontier *frontier.Frontier
	polite   *politeness.Controller
	fetcher  crawler.Fetcher
	headless crawler.Fetcher
	detector *change.Detector
	reporter *progress.Reporter
	logger   *zap.Logger
	stop     context.CancelCauseFunc

	mu        sync.Mutex
	counters  crawler.JobCounters
	inFlight  int
	completed bool
	fatal     error
	// wake is closed and replaced whenever an in-flight page finishes so
	// idle workers re-check the frontier.
	wake chan struct{}
}

// seed pushes the seed URL and, when enabled, sitemap URLs.
func (r *run) seed(ctx context.Context) error {
	allowed, err := r.polite.Authorize(ctx, r.job.SeedURL)
	if err != nil {
		return fmt.Errorf("authorize seed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("seed %s: %w", r.job.SeedURL, crawler.ErrDisallowed)
	}
	r.mu.Lock()
	added, err := r.frontier.Push(crawler.FrontierEntry{URL: r.job.SeedURL, Depth: 0, Priority: priorityLink, Source: "seed"})
	if added {
		r.counters.PagesDiscovered++
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("invalid seed url: %w", err)
	}

	if r.params.UseSitemap {
		loader := r.c.sitemapLoader(r.polite)
		urls, err := loader.Discover(ctx, r.job.SeedURL, r.polite.Sitemaps(ctx, r.job.SeedURL))
		if err != nil {
			r.logger.Debug("sitemap discovery interrupted", zap.Error(err))
		}
		pushed := r.enqueue(ctx, urls, 1, prioritySitemap, "sitemap")
		r.logger.Info("sitemap seeding", zap.Int("found", len(urls)), zap.Int("enqueued", pushed))
	}
	return nil
}

// work is one worker loop. stopCtx ends the loop; workCtx bounds the page
// currently in flight.
func (r *run) work(stopCtx, workCtx context.Context) {
	for {
		entry, ok := r.next(stopCtx)
		if !ok {
			return
		}
		metrics.IncActiveWorkers()
		r.process(stopCtx, workCtx, entry)
		metrics.DecActiveWorkers()
		r.done()
	}
}

// next pops the next entry, waiting while the frontier is empty but pages are
// still in flight. Popping also reserves capacity so that crawled plus
// in-flight pages never exceed max_pages.
func (r *run) next(ctx context.Context) (crawler.FrontierEntry, bool) {
	for {
		if ctx.Err() != nil {
			return crawler.FrontierEntry{}, false
		}
		r.mu.Lock()
		if r.completed {
			r.mu.Unlock()
			return crawler.FrontierEntry{}, false
		}
		if r.counters.PagesCrawled+r.inFlight < r.params.MaxPages {
			if entry, ok := r.frontier.Pop(); ok {
				r.inFlight++
				r.mu.Unlock()
				return entry, true
			}
		}
		if r.inFlight == 0 {
			r.completed = true
			r.broadcastLocked()
			r.mu.Unlock()
			return crawler.FrontierEntry{}, false
		}
		wake := r.wake
		r.mu.Unlock()

		timer := time.NewTimer(r.c.cfg.FrontierWait)
		select {
		case <-ctx.Done():
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (r *run) done() {
	r.mu.Lock()
	r.inFlight--
	r.broadcastLocked()
	r.mu.Unlock()
}

func (r *run) broadcastLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// commit counts a page as crawled unless the cap has already been reached.
func (r *run) commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters.PagesCrawled >= r.params.MaxPages {
		return false
	}
	r.counters.PagesCrawled++
	return true
}

// uncommit releases a commit whose page could not be persisted.
func (r *run) uncommit() {
	r.mu.Lock()
	r.counters.PagesCrawled--
	r.mu.Unlock()
}

func (r *run) update(fn func(c *crawler.JobCounters)) crawler.JobCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.counters)
	return r.counters
}

func (r *run) snapshot() crawler.JobCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// anyPageCompleted reports whether a page has been fully processed.
func (r *run) anyPageCompleted() bool {
	c := r.snapshot()
	return c.PagesCrawled > 0 || c.PagesFailed > 0
}

// failJob stops the job with a fatal error. Only the first error is kept.
func (r *run) failJob(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.stop(err)
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// enqueue filters links through scope and robots and pushes the survivors.
// Out-of-scope and malformed links count as discovery errors; robots
// exclusions are dropped silently.
func (r *run) enqueue(ctx context.Context, links []string, depth, priority int, source string) int {
	pushed := 0
	for _, link := range links {
		if err := r.scope.Check(link); err != nil {
			r.update(func(c *crawler.JobCounters) { c.DiscoveryErrors++ })
			if !errors.Is(err, crawler.ErrOutOfScope) {
				r.logger.Debug("discovery error", zap.String("url", link), zap.Error(err))
			}
			continue
		}
		allowed, err := r.polite.Authorize(ctx, link)
		if err != nil || !allowed {
			continue
		}
		r.mu.Lock()
		added, err := r.frontier.Push(crawler.FrontierEntry{URL: link, Depth: depth, Priority: priority, Source: source})
		switch {
		case err != nil:
			r.counters.DiscoveryErrors++
		case added:
			r.counters.PagesDiscovered++
			pushed++
		}
		r.mu.Unlock()
	}
	return pushed
}
