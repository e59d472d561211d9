package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Limiter serializes requests per host at a minimum interval. Hosts are
// independent of one another.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	hosts    map[string]*hostLimiter
}

type hostLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewLimiter creates a Limiter with the default per-host interval. A
// non-positive interval disables throttling until a host raises it.
func NewLimiter(interval time.Duration) *Limiter {
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		interval: interval,
		hosts:    make(map[string]*hostLimiter),
	}
}

// Interval returns the effective interval for host.
func (l *Limiter) Interval(host string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(strings.ToLower(host)).interval
}

// RaiseInterval sets the host's interval to max(current default, d).
func (l *Limiter) RaiseInterval(host string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.get(strings.ToLower(host))
	effective := l.interval
	if d > effective {
		effective = d
	}
	if effective == h.interval {
		return
	}
	h.interval = effective
	h.limiter.SetLimit(limitFor(effective))
}

// Wait blocks until the next slot for host is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	l.mu.Lock()
	h := l.get(host)
	l.mu.Unlock()

	start := time.Now()
	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) get(host string) *hostLimiter {
	h, ok := l.hosts[host]
	if !ok {
		h = &hostLimiter{
			limiter:  rate.NewLimiter(limitFor(l.interval), 1),
			interval: l.interval,
		}
		l.hosts[host] = h
	}
	return h
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
