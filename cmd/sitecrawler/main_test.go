package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
)

func useIsolatedRegistry(t *testing.T) {
	t.Helper()
	prev := newApp
	newApp = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger, app.Options{Registerer: prometheus.NewRegistry()})
	}
	t.Cleanup(func() { newApp = prev })
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["crawl"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestCrawlRequiresTarget(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"crawl"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.Error(t, root.Execute())
}

func TestStartRequestFromFlags(t *testing.T) {
	changed := func(set ...string) func(string) bool {
		return func(name string) bool {
			for _, s := range set {
				if s == name {
					return true
				}
			}
			return false
		}
	}

	req := startRequest("example.com", crawlFlags{maxPages: 5}, changed())
	require.Equal(t, "example.com", req.Host)
	require.Empty(t, req.URL)
	require.Equal(t, 5, req.MaxPages)
	require.Nil(t, req.FollowLinks)
	require.Nil(t, req.RespectRobots)

	req = startRequest("https://example.com/docs", crawlFlags{noFollow: true, ignoreRobot: true, sitemap: true},
		changed("no-follow", "ignore-robots", "sitemap"))
	require.Equal(t, "https://example.com/docs", req.URL)
	require.False(t, *req.FollowLinks)
	require.False(t, *req.RespectRobots)
	require.True(t, *req.UseSitemap)
}

func TestCrawlCommandRunsToCompletion(t *testing.T) {
	useIsolatedRegistry(t)
	t.Setenv("CRAWLER_STORAGE_BACKEND", "memory")
	t.Setenv("CRAWLER_EXTRACTOR_PRIMARY", "goquery")
	t.Setenv("CRAWLER_CRAWLER_RATE_INTERVAL", "0s")
	t.Setenv("CRAWLER_CRAWLER_ROBOTS_ATTEMPTS", "1")

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/about" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html><head><title>%s</title></head><body><main>
<p>Plain page content for %s with a few words.</p><a href="/about">About</a></main></body></html>`, r.URL.Path, r.URL.Path)
	}))
	defer site.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"crawl", site.URL + "/", "--json", "--max-pages", "5"})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	last := lines[len(lines)-1]
	require.Contains(t, last, `"type":"summary"`)
	require.Contains(t, last, `"status":"completed"`)
	require.Contains(t, last, `"pages_crawled":2`)
}

func TestCrawlCommandReportsFailure(t *testing.T) {
	useIsolatedRegistry(t)
	t.Setenv("CRAWLER_STORAGE_BACKEND", "memory")
	t.Setenv("CRAWLER_CRAWLER_ROBOTS_ATTEMPTS", "1")

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
			return
		}
		_, _ = fmt.Fprint(w, "<html></html>")
	}))
	defer site.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"crawl", site.URL + "/"})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, ErrCrawlFailed)
	require.Contains(t, out.String(), "failed")
}
