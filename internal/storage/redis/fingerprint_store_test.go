package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// fakeClient is an in-memory cmdable.
type fakeClient struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return goredis.NewStringResult("", f.getErr)
	}
	val, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(string(val), nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Close() error { return nil }

func TestFingerprintRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	store := newWithClient(client, Config{TTL: time.Hour})
	ctx := context.Background()

	_, found, err := store.GetFingerprint(ctx, "example.com", "/")
	require.NoError(t, err)
	require.False(t, found)

	fp := crawler.Fingerprint{
		Host:      "example.com",
		Path:      "/",
		Digest:    "abc",
		UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.PutFingerprint(ctx, fp))
	require.Equal(t, time.Hour, client.ttls[defaultPrefix+"example.com/"])

	got, found, err := store.GetFingerprint(ctx, "example.com", "/")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fp, got)
}

func TestFingerprintCustomPrefix(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	store := newWithClient(client, Config{Prefix: "crawl:"})
	require.NoError(t, store.PutFingerprint(context.Background(), crawler.Fingerprint{Host: "h", Path: "/p"}))
	_, ok := client.data["crawl:h/p"]
	require.True(t, ok)
}

func TestFingerprintGetError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.getErr = errors.New("dial tcp: connection refused")
	store := newWithClient(client, Config{})

	_, _, err := store.GetFingerprint(context.Background(), "example.com", "/")
	require.ErrorContains(t, err, "connection refused")
}

func TestNewRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
