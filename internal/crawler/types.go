package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobParameters captures per-job configuration knobs requested by the client.
// Zero values are replaced by configured defaults when the job starts.
type JobParameters struct {
	SeedURL        string  `json:"seed_url"`
	MaxPages       int     `json:"max_pages"`
	MaxDepth       int     `json:"max_depth"`
	FollowLinks    bool    `json:"follow_links"`
	FollowExternal bool    `json:"follow_external"`
	RespectRobots  bool    `json:"respect_robots_txt"`
	RateLimit      float64 `json:"rate_limit"`
	Concurrency    int     `json:"concurrency"`
	UseSitemap     bool    `json:"use_sitemap"`
}

// RateInterval converts the RateLimit (seconds between requests) into a duration.
func (p JobParameters) RateInterval() time.Duration {
	if p.RateLimit <= 0 {
		return 0
	}
	return time.Duration(p.RateLimit * float64(time.Second))
}

// Job represents one crawl run against a host.
type Job struct {
	ID         string        `json:"id"`
	Host       string        `json:"host"`
	SeedURL    string        `json:"seed_url"`
	Status     JobStatus     `json:"status"`
	Created    time.Time     `json:"created_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Completed  *time.Time    `json:"completed_at,omitempty"`
	ErrorText  string        `json:"error,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// JobCounters tracks per-job progress totals.
type JobCounters struct {
	PagesCrawled    int   `json:"pages_crawled"`
	PagesDiscovered int   `json:"pages_discovered"`
	PagesFailed     int   `json:"pages_failed"`
	PagesAdded      int   `json:"pages_added"`
	PagesUpdated    int   `json:"pages_updated"`
	PagesUnchanged  int   `json:"pages_unchanged"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	DiscoveryErrors int   `json:"discovery_errors"`
	Retries         int   `json:"retries"`
}

// ChangeStatus classifies a page against its previously stored fingerprint.
type ChangeStatus string

// Change classification values.
const (
	ChangeNew       ChangeStatus = "new"
	ChangeChanged   ChangeStatus = "changed"
	ChangeUnchanged ChangeStatus = "unchanged"
)

// PageRecord is the result of visiting one URL within a job. Failed pages
// carry an empty Change and a non-empty Error.
type PageRecord struct {
	JobID        string         `json:"job_id"`
	URL          string         `json:"url"`
	FinalURL     string         `json:"final_url"`
	Path         string         `json:"path"`
	Depth        int            `json:"depth"`
	StatusCode   int            `json:"status_code"`
	Change       ChangeStatus   `json:"change,omitempty"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Text         string         `json:"text,omitempty"`
	Markdown     string         `json:"markdown,omitempty"`
	Links        []string       `json:"links,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	ETag         string         `json:"etag,omitempty"`
	LastModified string         `json:"last_modified,omitempty"`
	ByteSize     int64          `json:"byte_size"`
	DurationMs   int64          `json:"duration_ms"`
	Attempts     int            `json:"attempts"`
	UsedHeadless bool           `json:"used_headless"`
	BlobURI      string         `json:"blob_uri,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    FetchErrorKind `json:"error_kind,omitempty"`
	VisitedAt    time.Time      `json:"visited_at"`
}

// Failed reports whether the page visit ended in an error.
func (p PageRecord) Failed() bool {
	return p.Error != ""
}

// FrontierEntry is a candidate URL awaiting a visit.
type FrontierEntry struct {
	// URL is the cleaned URL as discovered; it is what gets fetched.
	URL string
	// Key is the normalized dedup key.
	Key      string
	Depth    int
	Priority int
	Order    uint64
	Source   string
}

// Fingerprint is the last known content digest for a (host, path) pair.
type Fingerprint struct {
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	BlobURI   string    `json:"blob_uri,omitempty"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID       string
	URL         string
	Depth       int
	Timeout     time.Duration
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Attempts     int
	UsedHeadless bool
}

// ContentType returns the media type portion of the Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return MediaType(r.Headers.Get("Content-Type"))
}

// Content is the normalized output of an Extractor.
type Content struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Text        string   `json:"text"`
	Markdown    string   `json:"markdown"`
	Links       []string `json:"links"`
}

// PageEvent is published for each new or changed page.
type PageEvent struct {
	JobID       string       `json:"job_id"`
	Host        string       `json:"host"`
	URL         string       `json:"url"`
	Path        string       `json:"path"`
	Change      ChangeStatus `json:"change"`
	Fingerprint string       `json:"fingerprint"`
	BlobURI     string       `json:"blob_uri"`
	Title       string       `json:"title"`
	VisitedAt   time.Time    `json:"visited_at"`
}
