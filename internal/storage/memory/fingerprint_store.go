package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// FingerprintStore keeps the latest fingerprint per (host, path).
type FingerprintStore struct {
	mu    sync.RWMutex
	items map[string]crawler.Fingerprint
}

// NewFingerprintStore creates an empty store.
func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{items: make(map[string]crawler.Fingerprint)}
}

// GetFingerprint implements crawler.FingerprintStore.
func (s *FingerprintStore) GetFingerprint(_ context.Context, host, path string) (crawler.Fingerprint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.items[host+"\x00"+path]
	return fp, ok, nil
}

// PutFingerprint implements crawler.FingerprintStore.
func (s *FingerprintStore) PutFingerprint(_ context.Context, fp crawler.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[fp.Host+"\x00"+fp.Path] = fp
	return nil
}
