package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StagePageDone     Stage = "PAGE_DONE"
	StagePageFailed   Stage = "PAGE_FAILED"
)

// StageForStatus maps a terminal job status onto its lifecycle stage.
func StageForStatus(status crawler.JobStatus) Stage {
	switch status {
	case crawler.JobStatusCompleted:
		return StageJobDone
	case crawler.JobStatusCancelled:
		return StageJobCancelled
	case crawler.JobStatusFailed:
		return StageJobError
	default:
		return StageJobStart
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one lifecycle or page milestone fanned out to sinks.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// Host scopes page events to the crawled host.
	Host        string
	URL         string
	Change      crawler.ChangeStatus
	StatusClass StatusClass
	Bytes       int64
	// Dur is the fetch latency for page events and the job runtime for
	// terminal job events.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobCancelled:
	case StagePageDone, StagePageFailed:
		if e.Host == "" {
			return fmt.Errorf("%s requires host", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// PageProcessed builds the hub event for a processed page.
func PageProcessed(jobID, host string, page crawler.PageRecord) Event {
	stage := StagePageDone
	if page.Failed() {
		stage = StagePageFailed
	}
	return Event{
		JobID:       jobID,
		TS:          page.VisitedAt,
		Stage:       stage,
		Host:        host,
		URL:         page.URL,
		Change:      page.Change,
		StatusClass: ClassifyStatus(page.StatusCode),
		Bytes:       page.ByteSize,
		Dur:         time.Duration(page.DurationMs) * time.Millisecond,
		Note:        page.Error,
	}
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
