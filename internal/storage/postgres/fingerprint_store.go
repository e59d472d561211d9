package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// FingerprintStore implements crawler.FingerprintStore on a (host, path)
// keyed table.
type FingerprintStore struct {
	db    DB
	table string
}

// NewFingerprintStore wraps db.
func NewFingerprintStore(db DB, tables Tables) (*FingerprintStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := tables.withDefaults()
	if err != nil {
		return nil, err
	}
	return &FingerprintStore{db: db, table: t.Fingerprints}, nil
}

// GetFingerprint returns the stored fingerprint, reporting found=false when
// there is none.
func (s *FingerprintStore) GetFingerprint(ctx context.Context, host, path string) (crawler.Fingerprint, bool, error) {
	query := fmt.Sprintf(`
SELECT host, path, digest, blob_uri, title, updated_at
FROM %s WHERE host = $1 AND path = $2`, s.table)
	var fp crawler.Fingerprint
	err := s.db.QueryRow(ctx, query, host, path).Scan(
		&fp.Host,
		&fp.Path,
		&fp.Digest,
		&fp.BlobURI,
		&fp.Title,
		&fp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Fingerprint{}, false, nil
		}
		return crawler.Fingerprint{}, false, fmt.Errorf("get fingerprint: %w", err)
	}
	return fp, true, nil
}

// PutFingerprint upserts fp.
func (s *FingerprintStore) PutFingerprint(ctx context.Context, fp crawler.Fingerprint) error {
	query := fmt.Sprintf(`
INSERT INTO %s (host, path, digest, blob_uri, title, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (host, path) DO UPDATE SET
	digest = EXCLUDED.digest,
	blob_uri = EXCLUDED.blob_uri,
	title = EXCLUDED.title,
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.Exec(ctx, query, fp.Host, fp.Path, fp.Digest, fp.BlobURI, fp.Title, fp.UpdatedAt); err != nil {
		return fmt.Errorf("upsert fingerprint: %w", err)
	}
	return nil
}
