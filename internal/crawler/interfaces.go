package crawler

import (
	"context"
	"time"
)

// JobStore is the job and page ledger. Pages recorded for a job stay
// readable after the job fails or is cancelled.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordPage(ctx context.Context, page PageRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// FingerprintStore remembers the last digest seen for each (host, path).
// A missing entry is reported as ok=false, not as an error.
type FingerprintStore interface {
	GetFingerprint(ctx context.Context, host, path string) (fp Fingerprint, ok bool, err error)
	PutFingerprint(ctx context.Context, fp Fingerprint) error
}

// BlobStore writes raw and extracted page artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher announces new or changed pages to downstream consumers and
// returns a backend-specific message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves one URL. Failures are reported as *FetchError so callers
// can tell retryable conditions from terminal ones.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector inspects an HTTP response and reports whether the page
// looks like a client-rendered shell worth re-fetching in a browser.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Extractor turns raw HTML into title, description, text, markdown and links.
type Extractor interface {
	Extract(ctx context.Context, html []byte, pageURL string) (Content, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue holds accepted jobs until a runner is free.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem is a job waiting for a runner.
type QueueItem struct {
	JobID     string
	Params    JobParameters
	Submitted int64
}
