package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// ErrCrawlFailed is returned when the one-shot crawl ends in a non-completed status.
var ErrCrawlFailed = errors.New("crawl did not complete")

type crawlFlags struct {
	maxPages    int
	maxDepth    int
	rateLimit   float64
	concurrency int
	noFollow    bool
	ignoreRobot bool
	sitemap     bool
	jsonOut     bool
}

func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url-or-host>",
		Short: "Run one crawl to completion and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), cmd.OutOrStdout(), args[0], f, cmd.Flags().Changed)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.maxPages, "max-pages", 0, "page budget (0 uses config)")
	fl.IntVar(&f.maxDepth, "max-depth", 0, "link depth limit (0 uses config)")
	fl.Float64Var(&f.rateLimit, "rate-limit", 0, "seconds between requests to the host (0 uses config)")
	fl.IntVar(&f.concurrency, "concurrency", 0, "parallel fetches (0 uses config)")
	fl.BoolVar(&f.noFollow, "no-follow", false, "fetch only the seed page")
	fl.BoolVar(&f.ignoreRobot, "ignore-robots", false, "do not consult robots.txt")
	fl.BoolVar(&f.sitemap, "sitemap", false, "seed the frontier from sitemap.xml")
	fl.BoolVar(&f.jsonOut, "json", false, "print progress and summary as JSON lines")
	return cmd
}

func runCrawl(ctx context.Context, out io.Writer, target string, f crawlFlags, changed func(string) bool) error {
	rt, a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	runCtx, stopRunners := context.WithCancel(context.WithoutCancel(ctx))
	runnersDone := make(chan struct{})
	go func() {
		defer close(runnersDone)
		a.Manager.Run(runCtx)
	}()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Crawler.GracePeriod+5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			rt.logger.Warn("service shutdown incomplete", zap.Error(err))
		}
		stopRunners()
		<-runnersDone
	}()

	id, err := a.Manager.Start(ctx, startRequest(target, f, changed))
	if err != nil {
		return err
	}
	updates, unsubscribe, err := a.Manager.Subscribe(id)
	if err != nil {
		return err
	}
	defer unsubscribe()

	printer := newPrinter(out, f.jsonOut)
	cancelled := false
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return finalStatus(ctx, a.Manager, id, printer)
			}
			printer.update(u)
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				if _, err := a.Manager.Cancel(context.Background(), id); err != nil {
					rt.logger.Warn("cancel crawl failed", zap.Error(err))
				}
			}
			// Keep draining until the job reports completion.
			ctx = context.WithoutCancel(ctx)
		}
	}
}

func startRequest(target string, f crawlFlags, changed func(string) bool) dispatcher.StartRequest {
	req := dispatcher.StartRequest{
		MaxPages:    f.maxPages,
		MaxDepth:    f.maxDepth,
		RateLimit:   f.rateLimit,
		Concurrency: f.concurrency,
	}
	if strings.Contains(target, "://") {
		req.URL = target
	} else {
		req.Host = target
	}
	if changed("no-follow") {
		follow := !f.noFollow
		req.FollowLinks = &follow
	}
	if changed("ignore-robots") {
		respect := !f.ignoreRobot
		req.RespectRobots = &respect
	}
	if changed("sitemap") {
		req.UseSitemap = &f.sitemap
	}
	return req
}

func finalStatus(ctx context.Context, m *dispatcher.Manager, id string, p *printer) error {
	job, err := m.Status(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	p.summary(job)
	if job.Status != crawler.JobStatusCompleted {
		if job.ErrorText != "" {
			return fmt.Errorf("%w: %s: %s", ErrCrawlFailed, job.Status, job.ErrorText)
		}
		return fmt.Errorf("%w: %s", ErrCrawlFailed, job.Status)
	}
	return nil
}

type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(out io.Writer, jsonOut bool) *printer {
	return &printer{out: out, json: jsonOut}
}

func (p *printer) update(u progress.Update) {
	if p.json {
		p.writeJSON(u)
		return
	}
	if u.Type != progress.UpdateProgress || u.CurrentURL == "" {
		return
	}
	_, _ = fmt.Fprintf(p.out, "[%5.1f%%] %d/%d %s\n",
		u.PercentComplete, u.PagesCrawled, u.PagesDiscovered, u.CurrentURL)
}

func (p *printer) summary(job crawler.Job) {
	if p.json {
		p.writeJSON(map[string]any{"type": "summary", "job": job})
		return
	}
	c := job.Counters
	_, _ = fmt.Fprintf(p.out, "\njob %s %s\n", job.ID, job.Status)
	_, _ = fmt.Fprintf(p.out, "  pages crawled:   %d (discovered %d, failed %d)\n", c.PagesCrawled, c.PagesDiscovered, c.PagesFailed)
	_, _ = fmt.Fprintf(p.out, "  new/changed/same: %d/%d/%d\n", c.PagesAdded, c.PagesUpdated, c.PagesUnchanged)
	_, _ = fmt.Fprintf(p.out, "  bytes:           %d\n", c.BytesDownloaded)
	_, _ = fmt.Fprintf(p.out, "  retries:         %d\n", c.Retries)
	if job.ErrorText != "" {
		_, _ = fmt.Fprintf(p.out, "  error:           %s\n", job.ErrorText)
	}
}

func (p *printer) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintln(p.out, string(data))
}
