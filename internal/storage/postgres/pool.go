// Package postgres persists jobs, pages, and fingerprints in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Tables names the tables the stores write. Empty fields take defaults.
type Tables struct {
	Jobs         string
	Pages        string
	Fingerprints string
}

func (t Tables) withDefaults() (Tables, error) {
	if t.Jobs == "" {
		t.Jobs = "crawl_jobs"
	}
	if t.Pages == "" {
		t.Pages = "crawl_pages"
	}
	if t.Fingerprints == "" {
		t.Fingerprints = "page_fingerprints"
	}
	for _, name := range []string{t.Jobs, t.Pages, t.Fingerprints} {
		if !validTableName.MatchString(name) {
			return Tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db DB, tables Tables) error {
	t, err := tables.withDefaults()
	if err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	seed_url TEXT NOT NULL,
	status TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	parameters JSONB NOT NULL,
	counters JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`, t.Jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	final_url TEXT NOT NULL,
	path TEXT NOT NULL,
	depth INT NOT NULL,
	status_code INT NOT NULL,
	change TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	links JSONB NOT NULL,
	content_type TEXT NOT NULL,
	etag TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	byte_size BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	attempts INT NOT NULL,
	used_headless BOOLEAN NOT NULL,
	blob_uri TEXT NOT NULL,
	error_text TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	visited_at TIMESTAMPTZ NOT NULL
)`, t.Pages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_job_idx ON %s (job_id, id)`, t.Pages, t.Pages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	host TEXT NOT NULL,
	path TEXT NOT NULL,
	digest TEXT NOT NULL,
	blob_uri TEXT NOT NULL,
	title TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (host, path)
)`, t.Fingerprints),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
