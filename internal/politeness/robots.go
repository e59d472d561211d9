package politeness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	sysclock "github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const (
	defaultRobotsTTL      = time.Hour
	defaultRobotsTimeout  = 5 * time.Second
	defaultRobotsAttempts = 3
	maxRobotsBytes        = 1 << 20
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// RobotsPolicy is the resolved robots.txt state for one host.
type RobotsPolicy struct {
	Host       string
	CrawlDelay time.Duration
	Sitemaps   []string
	FetchedAt  time.Time
	ExpiresAt  time.Time
	// Fallback is set when robots.txt could not be fetched and everything is allowed.
	Fallback bool

	group *robotstxt.Group
}

// Allowed reports whether path may be fetched.
func (p *RobotsPolicy) Allowed(path string) bool {
	if p == nil || p.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return p.group.Test(path)
}

func allowAllPolicy(host string, now time.Time, ttl time.Duration) *RobotsPolicy {
	return &RobotsPolicy{
		Host:      host,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
		Fallback:  true,
	}
}

// RobotsConfig controls robots.txt retrieval.
type RobotsConfig struct {
	UserAgent string
	TTL       time.Duration
	Timeout   time.Duration
	Attempts  int
	Backoff   []time.Duration
}

// RobotsCache resolves and caches robots.txt per scheme+host. Entries expire
// after the configured TTL and are refreshed on next use.
type RobotsCache struct {
	cfg    RobotsConfig
	client *http.Client
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*RobotsPolicy
	group   singleflight.Group
}

// NewRobotsCache builds a RobotsCache. client, clock, and logger may be nil.
func NewRobotsCache(cfg RobotsConfig, client *http.Client, clock crawler.Clock, logger *zap.Logger) *RobotsCache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultRobotsTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRobotsTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultRobotsAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultRobotsBackoff
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = sysclock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsCache{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*RobotsPolicy),
	}
}

// Policy returns the cached policy for the origin (scheme://host), fetching
// it when missing or expired. It never returns a nil policy unless ctx is done.
func (c *RobotsCache) Policy(ctx context.Context, origin string) (*RobotsPolicy, error) {
	key := strings.ToLower(origin)
	now := c.clock.Now()
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(cached.ExpiresAt) {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		policy, err := c.resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = policy
		c.mu.Unlock()
		return policy, nil
	})
	if err != nil {
		return nil, err
	}
	policy, _ := v.(*RobotsPolicy)
	return policy, nil
}

func (c *RobotsCache) resolve(ctx context.Context, origin string) (*RobotsPolicy, error) {
	host := crawler.Hostname(origin)
	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		policy, err := c.fetch(ctx, origin)
		if err == nil {
			return policy, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("robots fetch canceled: %w", ctxErr)
		}
		lastErr = err
		c.logger.Debug("robots fetch attempt failed",
			zap.String("host", host),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	c.logger.Warn("robots unavailable; allowing all",
		zap.String("host", host),
		zap.Int("attempts", c.cfg.Attempts),
		zap.Error(lastErr),
	)
	metrics.ObserveRobotsFallback()
	return allowAllPolicy(host, c.clock.Now(), c.cfg.TTL), nil
}

var errRobotsServer = errors.New("robots server error")

func (c *RobotsCache) fetch(ctx context.Context, origin string) (*RobotsPolicy, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", errRobotsServer, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	now := c.clock.Now()
	policy := &RobotsPolicy{
		Host:      crawler.Hostname(origin),
		Sitemaps:  append([]string(nil), data.Sitemaps...),
		FetchedAt: now,
		ExpiresAt: now.Add(c.cfg.TTL),
		group:     data.FindGroup(c.cfg.UserAgent),
	}
	if policy.group != nil {
		policy.CrawlDelay = policy.group.CrawlDelay
	}
	return policy, nil
}

func (c *RobotsCache) backoff(i int) time.Duration {
	if len(c.cfg.Backoff) == 0 {
		return 0
	}
	if i >= len(c.cfg.Backoff) {
		i = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[i]
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
