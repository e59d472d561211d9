// Package retry wraps a Fetcher with bounded, jittered retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// ExhaustedError reports the final error once no further attempt is allowed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// AttemptsOf returns the attempt count carried by err, or 1.
func AttemptsOf(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 1
}

// Fetcher retries retryable failures of the wrapped fetcher.
type Fetcher struct {
	next   crawler.Fetcher
	policy crawler.RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New wraps next. policy defaults to crawler.NewExponentialRetryPolicy(0, 0, 0).
func New(next crawler.Fetcher, policy crawler.RetryPolicy, logger *zap.Logger) *Fetcher {
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		next:   next,
		policy: policy,
		logger: logger,
		sleep:  sleepWithContext,
	}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	attempt := 0
	for {
		attempt++
		resp, err := f.next.Fetch(ctx, request)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		if ctx.Err() != nil || !f.policy.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, &ExhaustedError{Attempts: attempt, Err: err}
		}
		delay := f.policy.Backoff(attempt - 1)
		kind := crawler.KindOf(err)
		metrics.ObserveRetry(string(kind))
		f.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return crawler.FetchResponse{}, &ExhaustedError{Attempts: attempt, Err: err}
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
