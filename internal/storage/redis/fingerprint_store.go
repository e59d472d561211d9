// Package redis keeps page fingerprints in Redis so several crawler
// processes share change detection state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const defaultPrefix = "sitecrawler:fp:"

// cmdable is the subset of *redis.Client the store uses.
type cmdable interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Close() error
}

// Config controls the Redis connection and key layout. TTL zero keeps
// fingerprints forever.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// FingerprintStore implements crawler.FingerprintStore.
type FingerprintStore struct {
	client cmdable
	prefix string
	ttl    time.Duration
}

// New connects to Redis.
func New(cfg Config) (*FingerprintStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newWithClient(client, cfg), nil
}

func newWithClient(client cmdable, cfg Config) *FingerprintStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FingerprintStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

// Close closes the Redis client.
func (s *FingerprintStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// GetFingerprint reads the fingerprint for (host, path).
func (s *FingerprintStore) GetFingerprint(ctx context.Context, host, path string) (crawler.Fingerprint, bool, error) {
	val, err := s.client.Get(ctx, s.key(host, path)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return crawler.Fingerprint{}, false, nil
		}
		return crawler.Fingerprint{}, false, fmt.Errorf("get fingerprint: %w", err)
	}
	var fp crawler.Fingerprint
	if err := json.Unmarshal(val, &fp); err != nil {
		return crawler.Fingerprint{}, false, fmt.Errorf("decode fingerprint: %w", err)
	}
	return fp, true, nil
}

// PutFingerprint writes fp with the configured TTL.
func (s *FingerprintStore) PutFingerprint(ctx context.Context, fp crawler.Fingerprint) error {
	payload, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(fp.Host, fp.Path), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set fingerprint: %w", err)
	}
	return nil
}

func (s *FingerprintStore) key(host, path string) string {
	return s.prefix + host + path
}
