package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/change"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/fetcher/retry"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// process runs the loop body for one popped entry. Every per-page error is
// recovered here; only storage failures before the first completed page
// escalate to failJob.
func (r *run) process(stopCtx, workCtx context.Context, entry crawler.FrontierEntry) {
	logger := logging.ForPage(r.logger, entry.URL, entry.Depth)

	if stopCtx.Err() != nil {
		return
	}
	allowed, err := r.polite.Authorize(workCtx, entry.URL)
	if err != nil || !allowed {
		logger.Debug("skipped by robots policy", zap.Error(err))
		return
	}

	resp, err := r.fetcher.Fetch(workCtx, crawler.FetchRequest{
		JobID:   r.job.ID,
		URL:     entry.URL,
		Depth:   entry.Depth,
		Timeout: r.c.cfg.FetchTimeout,
	})
	if err != nil {
		if workCtx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Debug("fetch abandoned", zap.Error(err))
			return
		}
		r.recordFailure(workCtx, entry, nil, err, crawler.KindOf(err), retry.AttemptsOf(err))
		logger.Info("page failed", zap.String("kind", string(crawler.KindOf(err))), zap.Error(err))
		return
	}
	resp = r.maybePromote(workCtx, entry, resp, logger)

	if !r.commit() {
		logger.Debug("page cap reached, discarding fetched page")
		return
	}

	classified, err := r.detector.Classify(workCtx, entry.URL, resp.Body)
	if err != nil {
		r.storageFailure(workCtx, entry, resp, fmt.Errorf("fingerprint store: %w", err), logger)
		return
	}

	page := r.pageFromResponse(entry, resp, classified)
	var links []string
	if classified.Status == crawler.ChangeUnchanged {
		if classified.Previous != nil {
			page.Title = classified.Previous.Title
			page.BlobURI = classified.Previous.BlobURI
		}
		links = r.linksOf(resp)
	} else {
		content, err := r.c.deps.Extractor.Extract(workCtx, resp.Body, page.FinalURL)
		if err != nil {
			logger.Warn("extraction failed, storing page without content", zap.Error(err))
			content = crawler.Content{Links: r.linksOf(resp)}
		}
		page.Title = content.Title
		page.Description = content.Description
		page.Text = content.Text
		page.Markdown = content.Markdown
		links = content.Links
		page.Links = r.inScope(links)

		if err := r.persist(workCtx, &page, resp.Body); err != nil {
			r.storageFailure(workCtx, entry, resp, err, logger)
			return
		}
	}

	if page.Links == nil {
		page.Links = r.inScope(links)
	}
	if r.params.FollowLinks && entry.Depth < r.params.MaxDepth {
		r.enqueue(stopCtx, links, entry.Depth+1, priorityLink, entry.URL)
	}
	counters := r.update(func(c *crawler.JobCounters) {
		c.BytesDownloaded += page.ByteSize
		c.Retries += page.Attempts - 1
		switch page.Change {
		case crawler.ChangeNew:
			c.PagesAdded++
		case crawler.ChangeChanged:
			c.PagesUpdated++
		case crawler.ChangeUnchanged:
			c.PagesUnchanged++
		}
	})
	r.record(workCtx, page, counters, string(page.Change))
	logger.Debug("page processed",
		zap.String("change", string(page.Change)),
		zap.Int("status", page.StatusCode),
		zap.Int("links", len(page.Links)),
		zap.Int("attempts", page.Attempts),
	)
}

// storageFailure releases the page's commit. Before any page has completed
// the job cannot make progress, so the job fails; afterwards the page fails.
func (r *run) storageFailure(
	ctx context.Context,
	entry crawler.FrontierEntry,
	resp crawler.FetchResponse,
	err error,
	logger *zap.Logger,
) {
	r.uncommit()
	if !r.anyPageCompleted() {
		logger.Error("storage unreachable before first page", zap.Error(err))
		r.failJob(fmt.Errorf("storage unreachable: %w", err))
		return
	}
	logger.Warn("page persistence failed", zap.Error(err))
	r.recordFailure(ctx, entry, &resp, err, "", resp.Attempts)
}

func (r *run) recordFailure(
	ctx context.Context,
	entry crawler.FrontierEntry,
	resp *crawler.FetchResponse,
	err error,
	kind crawler.FetchErrorKind,
	attempts int,
) {
	page := crawler.PageRecord{
		JobID:     r.job.ID,
		URL:       entry.URL,
		FinalURL:  entry.URL,
		Path:      crawler.PathKey(entry.URL),
		Depth:     entry.Depth,
		Attempts:  attempts,
		Error:     err.Error(),
		ErrorKind: kind,
		VisitedAt: r.c.deps.Clock.Now(),
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		page.StatusCode = fe.StatusCode
	}
	if resp != nil {
		page.FinalURL = resp.FinalURL
		page.StatusCode = resp.StatusCode
		page.ContentType = resp.ContentType()
		page.DurationMs = resp.Duration.Milliseconds()
	}
	counters := r.update(func(c *crawler.JobCounters) {
		c.PagesFailed++
		c.Retries += max(attempts-1, 0)
	})
	r.record(ctx, page, counters, "failed")
}

// record stores the page row and notifies observers. A job store error here
// is logged; the page already counts.
func (r *run) record(ctx context.Context, page crawler.PageRecord, counters crawler.JobCounters, result string) {
	if err := r.c.deps.Jobs.RecordPage(ctx, page); err != nil {
		r.logger.Warn("record page failed", zap.String("url", page.URL), zap.Error(err))
	}
	metrics.ObservePage(page.URL, result, page.ByteSize)
	r.reporter.OnPageProcessed(page, counters)
}

func (r *run) pageFromResponse(entry crawler.FrontierEntry, resp crawler.FetchResponse, classified change.Result) crawler.PageRecord {
	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = entry.URL
	}
	page := crawler.PageRecord{
		JobID:        r.job.ID,
		URL:          entry.URL,
		FinalURL:     finalURL,
		Path:         crawler.PathKey(entry.URL),
		Depth:        entry.Depth,
		StatusCode:   resp.StatusCode,
		Change:       classified.Status,
		Fingerprint:  classified.Fingerprint,
		ContentType:  resp.ContentType(),
		ByteSize:     int64(len(resp.Body)),
		DurationMs:   resp.Duration.Milliseconds(),
		Attempts:     max(resp.Attempts, 1),
		UsedHeadless: resp.UsedHeadless,
		VisitedAt:    r.c.deps.Clock.Now(),
	}
	if resp.Headers != nil {
		page.ETag = resp.Headers.Get("ETag")
		page.LastModified = resp.Headers.Get("Last-Modified")
	}
	return page
}

// maybePromote re-fetches the page with the headless fetcher when the
// detector judges the HTTP body to be an unrendered shell.
func (r *run) maybePromote(
	ctx context.Context,
	entry crawler.FrontierEntry,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) crawler.FetchResponse {
	if r.headless == nil || r.c.deps.Detector == nil || !r.c.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	rendered, err := r.headless.Fetch(ctx, crawler.FetchRequest{
		JobID:       r.job.ID,
		URL:         entry.URL,
		Depth:       entry.Depth,
		Timeout:     r.c.cfg.FetchTimeout,
		UseHeadless: true,
	})
	if err != nil {
		logger.Warn("headless promotion failed", zap.Error(err))
		return resp
	}
	rendered.UsedHeadless = true
	rendered.Attempts = resp.Attempts
	logger.Info("headless promotion applied")
	return rendered
}

// linksOf parses outbound links without running the extractor.
func (r *run) linksOf(resp crawler.FetchResponse) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil
	}
	base := resp.FinalURL
	if base == "" {
		base = resp.URL
	}
	return extract.Links(doc, base)
}

func (r *run) inScope(links []string) []string {
	out := make([]string, 0, len(links))
	for _, link := range links {
		if r.scope.Check(link) == nil {
			out = append(out, link)
		}
	}
	return out
}
