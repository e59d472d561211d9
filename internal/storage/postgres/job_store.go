package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sysclock "github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// JobStore implements crawler.JobStore. Page text and markdown live in the
// blob store; page rows keep metadata only.
type JobStore struct {
	db     DB
	tables Tables
	clock  crawler.Clock
}

// NewJobStore wraps db. clock may be nil.
func NewJobStore(db DB, tables Tables, clock crawler.Clock) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := tables.withDefaults()
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = sysclock.New()
	}
	return &JobStore{db: db, tables: t, clock: clock}, nil
}

// Close releases the underlying pool.
func (s *JobStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, host, seed_url, status, error_text, parameters, counters, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.tables.Jobs)
	if _, err := s.db.Exec(ctx, query,
		job.ID,
		job.Host,
		job.SeedURL,
		string(job.Status),
		job.ErrorText,
		params,
		counters,
		job.Created,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus records status, error text, and counters, stamping
// started_at on the first running transition and completed_at on terminal ones.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	error_text = $3,
	counters = $4,
	started_at = CASE WHEN $5 THEN COALESCE(started_at, $7) ELSE started_at END,
	completed_at = CASE WHEN $6 THEN COALESCE(completed_at, $7) ELSE completed_at END
WHERE id = $1`, s.tables.Jobs)
	tag, err := s.db.Exec(ctx, query,
		jobID,
		string(status),
		errText,
		payload,
		status == crawler.JobStatusRunning,
		status.Terminal(),
		s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// RecordPage inserts one page row.
func (s *JobStore) RecordPage(ctx context.Context, page crawler.PageRecord) error {
	links := page.Links
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id, url, final_url, path, depth, status_code, change, fingerprint,
	title, description, links, content_type, etag, last_modified, byte_size,
	duration_ms, attempts, used_headless, blob_uri, error_text, error_kind, visited_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
)`, s.tables.Pages)
	if _, err := s.db.Exec(ctx, query,
		page.JobID,
		page.URL,
		page.FinalURL,
		page.Path,
		page.Depth,
		page.StatusCode,
		string(page.Change),
		page.Fingerprint,
		page.Title,
		page.Description,
		linksJSON,
		page.ContentType,
		page.ETag,
		page.LastModified,
		page.ByteSize,
		page.DurationMs,
		page.Attempts,
		page.UsedHeadless,
		page.BlobURI,
		page.Error,
		string(page.ErrorKind),
		page.VisitedAt,
	); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`
SELECT id, host, seed_url, status, error_text, parameters, counters, created_at, started_at, completed_at
FROM %s WHERE id = $1`, s.tables.Jobs)
	var (
		job              crawler.Job
		status           string
		params, counters []byte
		started, done    *time.Time
	)
	err := s.db.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.Host,
		&job.SeedURL,
		&status,
		&job.ErrorText,
		&params,
		&counters,
		&job.Created,
		&started,
		&done,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	job.Started = started
	job.Completed = done
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return crawler.Job{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal(counters, &job.Counters); err != nil {
		return crawler.Job{}, fmt.Errorf("decode counters: %w", err)
	}
	return job, nil
}

// ListPages returns a job's pages in insertion order.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawler.PageRecord, error) {
	query := fmt.Sprintf(`
SELECT job_id, url, final_url, path, depth, status_code, change, fingerprint,
	title, description, links, content_type, etag, last_modified, byte_size,
	duration_ms, attempts, used_headless, blob_uri, error_text, error_kind, visited_at
FROM %s WHERE job_id = $1 ORDER BY id`, s.tables.Pages)
	rows, err := s.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.PageRecord
	for rows.Next() {
		var (
			page         crawler.PageRecord
			change, kind string
			links        []byte
		)
		if err := rows.Scan(
			&page.JobID,
			&page.URL,
			&page.FinalURL,
			&page.Path,
			&page.Depth,
			&page.StatusCode,
			&change,
			&page.Fingerprint,
			&page.Title,
			&page.Description,
			&links,
			&page.ContentType,
			&page.ETag,
			&page.LastModified,
			&page.ByteSize,
			&page.DurationMs,
			&page.Attempts,
			&page.UsedHeadless,
			&page.BlobURI,
			&page.Error,
			&kind,
			&page.VisitedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		page.Change = crawler.ChangeStatus(change)
		page.ErrorKind = crawler.FetchErrorKind(kind)
		if len(links) > 0 {
			if err := json.Unmarshal(links, &page.Links); err != nil {
				return nil, fmt.Errorf("decode links: %w", err)
			}
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page rows: %w", err)
	}
	return pages, nil
}
