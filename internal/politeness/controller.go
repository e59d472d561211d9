package politeness

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Controller combines robots.txt rules and per-host pacing for one job.
type Controller struct {
	robots        *RobotsCache
	limiter       *Limiter
	respectRobots bool
	logger        *zap.Logger
}

// NewController builds a job-scoped controller. robots may be shared across jobs.
func NewController(robots *RobotsCache, interval time.Duration, respectRobots bool, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		robots:        robots,
		limiter:       NewLimiter(interval),
		respectRobots: respectRobots && robots != nil,
		logger:        logger,
	}
}

// Authorize reports whether rawURL may be fetched. When robots compliance is
// on it resolves the host's policy first and applies any Crawl-delay.
func (c *Controller) Authorize(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", crawler.ErrInvalidURL, err)
	}
	if !c.respectRobots {
		return true, nil
	}
	policy, err := c.Policy(ctx, u)
	if err != nil {
		return false, err
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return policy.Allowed(path), nil
}

// Policy resolves the robots policy for u's origin and applies its Crawl-delay.
func (c *Controller) Policy(ctx context.Context, u *url.URL) (*RobotsPolicy, error) {
	policy, err := c.robots.Policy(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve robots: %w", err)
	}
	if policy.CrawlDelay > 0 {
		c.limiter.RaiseInterval(u.Host, policy.CrawlDelay)
	}
	return policy, nil
}

// WaitForSlot blocks until a request to rawURL's host is allowed. When robots
// compliance is on the host's policy is always resolved before the slot.
func (c *Controller) WaitForSlot(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrInvalidURL, err)
	}
	if c.respectRobots {
		if _, err := c.Policy(ctx, u); err != nil {
			return err
		}
	}
	return c.limiter.Wait(ctx, u.Host)
}

// Interval returns the effective minimum interval for host.
func (c *Controller) Interval(host string) time.Duration {
	return c.limiter.Interval(host)
}

// Sitemaps returns robots Sitemap hints for the origin of rawURL.
func (c *Controller) Sitemaps(ctx context.Context, rawURL string) []string {
	if c.robots == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	policy, err := c.robots.Policy(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		c.logger.Debug("sitemap hints unavailable", zap.String("host", u.Host), zap.Error(err))
		return nil
	}
	return policy.Sitemaps
}
