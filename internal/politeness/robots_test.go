package politeness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/clock"
)

func robotsServer(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRobotsCacheParsesRules(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, "User-agent: *\nDisallow: /private/\nCrawl-delay: 2\nSitemap: https://example.com/sitemap.xml\n", &hits)
	cache := NewRobotsCache(RobotsConfig{UserAgent: "sitecrawler"}, srv.Client(), nil, nil)

	policy, err := cache.Policy(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, policy.Fallback)
	require.True(t, policy.Allowed("/docs"))
	require.False(t, policy.Allowed("/private/page"))
	require.Equal(t, 2*time.Second, policy.CrawlDelay)
	require.Equal(t, []string{"https://example.com/sitemap.xml"}, policy.Sitemaps)
}

func TestRobotsCacheRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, "User-agent: *\nAllow: /\n", &hits)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache := NewRobotsCache(RobotsConfig{TTL: time.Minute}, srv.Client(), clk, nil)

	for i := 0; i < 3; i++ {
		_, err := cache.Policy(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, hits.Load())

	clk.Advance(2 * time.Minute)
	_, err := cache.Policy(context.Background(), srv.URL)
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestRobotsCacheFallsBackToAllowAllAfterAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cache := NewRobotsCache(RobotsConfig{Attempts: 3, Backoff: []time.Duration{time.Millisecond}}, srv.Client(), nil, nil)
	policy, err := cache.Policy(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, policy.Fallback)
	require.True(t, policy.Allowed("/anything"))
	require.Zero(t, policy.CrawlDelay)
	require.EqualValues(t, 3, hits.Load())
}

func TestRobotsCacheMissingFileAllowsAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	cache := NewRobotsCache(RobotsConfig{}, srv.Client(), nil, nil)
	policy, err := cache.Policy(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, policy.Fallback)
	require.True(t, policy.Allowed("/private/page"))
}

func TestRobotsCacheUnreachableHostFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	origin := srv.URL
	srv.Close()

	cache := NewRobotsCache(RobotsConfig{Attempts: 2, Backoff: []time.Duration{0}, Timeout: 200 * time.Millisecond}, nil, nil, nil)
	policy, err := cache.Policy(context.Background(), origin)
	require.NoError(t, err)
	require.True(t, policy.Fallback)
}
