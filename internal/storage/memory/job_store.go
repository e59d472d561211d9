package memory

import (
	"context"
	"fmt"
	"sync"

	sysclock "github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// JobStore keeps jobs and their page records in process memory. It backs the
// one-shot CLI and tests; nothing survives a restart.
type JobStore struct {
	clock crawler.Clock

	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	job   crawler.Job
	pages []crawler.PageRecord
}

// JobStoreOption customizes a JobStore.
type JobStoreOption func(*JobStore)

// WithClock stamps started/completed times from clock instead of the wall clock.
func WithClock(clock crawler.Clock) JobStoreOption {
	return func(s *JobStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewJobStore constructs an empty JobStore.
func NewJobStore(opts ...JobStoreOption) *JobStore {
	s := &JobStore{
		clock: sysclock.New(),
		jobs:  make(map[string]*jobEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores a new job. IDs must be unique.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Created.IsZero() {
		job.Created = s.clock.Now().UTC()
	}
	s.jobs[job.ID] = &jobEntry{job: job}
	return nil
}

// UpdateJobStatus sets status, error text and counters. Started is stamped on
// the first running transition and Completed on the first terminal one.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	job := &entry.job
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := s.clock.Now().UTC()
	if status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() && job.Completed == nil {
		job.Completed = &now
	}
	return nil
}

// RecordPage appends a page to its job. Unknown jobs are rejected the same way
// the postgres foreign key rejects them.
func (s *JobStore) RecordPage(_ context.Context, page crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[page.JobID]
	if !ok {
		return fmt.Errorf("record page for job %s: %w", page.JobID, crawler.ErrNotFound)
	}
	page.Links = append([]string(nil), page.Links...)
	entry.pages = append(entry.pages, page)
	return nil
}

// GetJob returns a copy of a job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return entry.job, nil
}

// ListPages returns a copy of a job's pages in visit order. Unknown jobs have
// no pages.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[jobID]
	if !ok {
		return []crawler.PageRecord{}, nil
	}
	out := make([]crawler.PageRecord, len(entry.pages))
	copy(out, entry.pages)
	return out, nil
}
