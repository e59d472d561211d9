// Package badger keeps page fingerprints in an embedded BadgerDB, for
// single-node deployments that want incremental crawls to survive restarts
// without a database server.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	keyPrefix          = "fp:"
	maxConflictRetries = 10
)

// Config controls where the database lives. An empty Dir opens an in-memory
// database.
type Config struct {
	Dir string
}

// FingerprintStore implements crawler.FingerprintStore.
type FingerprintStore struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

// Open opens (or creates) the database.
func Open(cfg Config, logger *zap.Logger) (*FingerprintStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badgerdb.DefaultOptions(cfg.Dir).
		WithLogger(zapAdapter{logger.Named("badger").Sugar()}).
		WithNumVersionsToKeep(1)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Dir, err)
	}
	return &FingerprintStore{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *FingerprintStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// GetFingerprint returns the stored fingerprint for (host, path).
func (s *FingerprintStore) GetFingerprint(ctx context.Context, host, path string) (crawler.Fingerprint, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Fingerprint{}, false, fmt.Errorf("get fingerprint: %w", err)
	}
	var (
		fp    crawler.Fingerprint
		found bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(host, path))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &fp)
		})
	})
	if err != nil {
		return crawler.Fingerprint{}, false, fmt.Errorf("get fingerprint: %w", err)
	}
	return fp, found, nil
}

// PutFingerprint stores fp, replacing any previous value.
func (s *FingerprintStore) PutFingerprint(ctx context.Context, fp crawler.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put fingerprint: %w", err)
	}
	payload, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	k := key(fp.Host, fp.Path)
	for i := range maxConflictRetries {
		err = s.db.Update(func(txn *badgerdb.Txn) error {
			return txn.Set(k, payload)
		})
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
		s.logger.Debug("badger transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	if err != nil {
		return fmt.Errorf("put fingerprint: %w", err)
	}
	return nil
}

func key(host, path string) []byte {
	return []byte(keyPrefix + host + "\x00" + path)
}

// zapAdapter satisfies badger.Logger.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func (a zapAdapter) Errorf(f string, v ...any)   { a.s.Errorf(f, v...) }
func (a zapAdapter) Warningf(f string, v ...any) { a.s.Warnf(f, v...) }
func (a zapAdapter) Infof(f string, v ...any)    { a.s.Debugf(f, v...) }
func (a zapAdapter) Debugf(f string, v ...any)   { a.s.Debugf(f, v...) }
