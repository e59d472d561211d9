package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Millisecond, 10*time.Millisecond)
	server := &FetchError{Kind: FetchErrorServer, StatusCode: 500, URL: "https://example.com"}
	client := &FetchError{Kind: FetchErrorClient, StatusCode: 404, URL: "https://example.com"}
	timeout := &FetchError{Kind: FetchErrorNetwork, URL: "https://example.com", Err: context.DeadlineExceeded}
	contentType := &FetchError{Kind: FetchErrorContentType, URL: "https://example.com"}

	require.True(t, p.ShouldRetry(server, 1))
	require.True(t, p.ShouldRetry(server, 2))
	require.False(t, p.ShouldRetry(server, 3))
	require.False(t, p.ShouldRetry(client, 1))
	require.False(t, p.ShouldRetry(contentType, 1))
	require.True(t, p.ShouldRetry(timeout, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", server), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(&FetchError{Kind: FetchErrorNetwork, Err: context.Canceled}, 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(errors.New("connection reset"), 1))
}

func TestExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts())
	require.Equal(t, DefaultBaseBackoff, p.baseDelay)
	require.Equal(t, DefaultMaxBackoff, p.maxDelay)
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}
