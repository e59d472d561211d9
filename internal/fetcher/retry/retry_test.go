package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	attempts int
	errs     []error
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= len(f.errs) {
		return crawler.FetchResponse{}, f.errs[f.attempts-1]
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

func fastPolicy(max int) crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(max, time.Millisecond, 2*time.Millisecond)
}

func TestRetryRecoversFromTimeout(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{errs: []error{
		&crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: "https://example.com", Err: context.DeadlineExceeded},
	}}
	f := New(next, fastPolicy(3), nil)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, 2, next.attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{errs: []error{
		&crawler.FetchError{Kind: crawler.FetchErrorClient, StatusCode: 404, URL: "https://example.com"},
	}}
	f := New(next, fastPolicy(3), nil)

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.Error(t, err)
	require.Equal(t, 1, next.attempts)
	require.Equal(t, 1, AttemptsOf(err))
	require.Equal(t, crawler.FetchErrorClient, crawler.KindOf(err))
}

func TestRetryBoundAgainstAlways500(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	f := New(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), fastPolicy(3), nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/"})
	require.Error(t, err)
	require.EqualValues(t, 3, hits.Load())
	require.Equal(t, 3, AttemptsOf(err))
	require.Equal(t, crawler.FetchErrorServer, crawler.KindOf(err))
}

func TestRetryHonorsCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	serverErr := &crawler.FetchError{Kind: crawler.FetchErrorServer, StatusCode: 503, URL: "https://example.com"}
	next := &scriptedFetcher{errs: []error{serverErr, serverErr, serverErr}}
	f := New(next, crawler.NewExponentialRetryPolicy(3, time.Hour, time.Hour), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, next.attempts)
}

func TestAttemptsOfPlainError(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, AttemptsOf(errors.New("x")))
}
