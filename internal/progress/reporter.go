package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Update types pushed to live subscribers.
const (
	UpdateProgress = "progress"
	UpdateComplete = "complete"
)

// maxRunningPercent caps the estimate while the total page count is unknown.
const maxRunningPercent = 99.0

const defaultSubscriberBuffer = 64

// Snapshot is the pull view of a job's progress.
type Snapshot struct {
	JobID           string            `json:"job_id"`
	Host            string            `json:"host"`
	Status          crawler.JobStatus `json:"status"`
	PagesCrawled    int               `json:"pages_crawled"`
	PagesDiscovered int               `json:"pages_discovered"`
	PagesFailed     int               `json:"pages_failed"`
	PagesAdded      int               `json:"pages_added"`
	PagesUpdated    int               `json:"pages_updated"`
	PagesUnchanged  int               `json:"pages_unchanged"`
	BytesDownloaded int64             `json:"bytes_downloaded"`
	PercentComplete float64           `json:"percent_complete"`
	CurrentURL      string            `json:"current_url,omitempty"`
	Error           string            `json:"error,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Update is one pushed message: Type is "progress" per page and "complete"
// exactly once when the job reaches a terminal status.
type Update struct {
	Type string `json:"type"`
	Snapshot
}

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	Host string
	// SubscriberBuffer bounds each subscriber channel; updates beyond it are
	// dropped for that subscriber only.
	SubscriberBuffer int
	Emitter          Emitter
	Clock            crawler.Clock
}

// Reporter aggregates coordinator callbacks for one job. It is safe for
// concurrent use and never blocks its callers on subscribers.
type Reporter struct {
	mu      sync.Mutex
	snap    Snapshot
	started time.Time
	subs    map[uint64]chan Update
	nextSub uint64
	done    bool

	buffer  int
	emitter Emitter
	clock   crawler.Clock
}

// NewReporter returns a Reporter for jobID in the pending state.
func NewReporter(jobID string, opts ReporterOptions) *Reporter {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Reporter{
		snap: Snapshot{
			JobID:     jobID,
			Host:      opts.Host,
			Status:    crawler.JobStatusPending,
			UpdatedAt: opts.Clock.Now(),
		},
		subs:    make(map[uint64]chan Update),
		buffer:  opts.SubscriberBuffer,
		emitter: opts.Emitter,
		clock:   opts.Clock,
	}
}

// OnPageProcessed folds a processed page and the coordinator's counters into
// the snapshot and pushes a progress update. Counters only move forward, so a
// late call carrying older totals cannot roll the snapshot back.
func (r *Reporter) OnPageProcessed(page crawler.PageRecord, counters crawler.JobCounters) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.mergeCounters(counters)
	r.snap.CurrentURL = page.URL
	r.snap.UpdatedAt = r.clock.Now()
	r.snap.PercentComplete = runningPercent(r.snap.PagesCrawled, r.snap.PagesDiscovered)
	r.broadcastLocked(Update{Type: UpdateProgress, Snapshot: r.snap})
	jobID, host := r.snap.JobID, r.snap.Host
	r.mu.Unlock()

	if r.emitter != nil {
		evt := PageProcessed(jobID, host, page)
		if evt.TS.IsZero() {
			evt.TS = r.clock.Now()
		}
		r.emitter.Emit(evt)
	}
}

// OnJobStateChange records a status transition. Entering a terminal status
// sends the single "complete" update and closes every subscriber channel.
func (r *Reporter) OnJobStateChange(status crawler.JobStatus, counters crawler.JobCounters, errText string) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	r.mergeCounters(counters)
	r.snap.Status = status
	r.snap.Error = errText
	r.snap.UpdatedAt = now

	var evt *Event
	switch {
	case status == crawler.JobStatusRunning:
		r.started = now
		r.snap.PercentComplete = runningPercent(r.snap.PagesCrawled, r.snap.PagesDiscovered)
		evt = &Event{Stage: StageJobStart}
	case status.Terminal():
		if status == crawler.JobStatusCompleted {
			r.snap.PercentComplete = 100
		}
		r.snap.CurrentURL = ""
		r.broadcastLocked(Update{Type: UpdateComplete, Snapshot: r.snap})
		for id, ch := range r.subs {
			close(ch)
			delete(r.subs, id)
		}
		r.done = true
		evt = &Event{Stage: StageForStatus(status), Note: errText}
		if !r.started.IsZero() {
			evt.Dur = now.Sub(r.started)
		}
	}
	jobID, host := r.snap.JobID, r.snap.Host
	r.mu.Unlock()

	if evt != nil && r.emitter != nil {
		evt.JobID, evt.Host, evt.TS = jobID, host, now
		r.emitter.Emit(*evt)
	}
}

// Snapshot returns the current progress view.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Subscribe registers a live listener. The channel first receives the current
// snapshot and is closed after the "complete" update. Subscribing to a
// finished job yields only the "complete" update. The returned cancel func
// unregisters the listener and is safe to call more than once.
func (r *Reporter) Subscribe() (<-chan Update, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Update, r.buffer)
	if r.done {
		ch <- Update{Type: UpdateComplete, Snapshot: r.snap}
		close(ch)
		return ch, func() {}
	}
	ch <- Update{Type: UpdateProgress, Snapshot: r.snap}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			close(sub)
			delete(r.subs, id)
		}
	}
}

// Subscribers reports the number of attached listeners.
func (r *Reporter) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Reporter) mergeCounters(c crawler.JobCounters) {
	s := &r.snap
	s.PagesCrawled = max(s.PagesCrawled, c.PagesCrawled)
	s.PagesDiscovered = max(s.PagesDiscovered, c.PagesDiscovered)
	s.PagesFailed = max(s.PagesFailed, c.PagesFailed)
	s.PagesAdded = max(s.PagesAdded, c.PagesAdded)
	s.PagesUpdated = max(s.PagesUpdated, c.PagesUpdated)
	s.PagesUnchanged = max(s.PagesUnchanged, c.PagesUnchanged)
	s.BytesDownloaded = max(s.BytesDownloaded, c.BytesDownloaded)
}

// broadcastLocked delivers u to every subscriber that has room. The
// terminal update evicts the oldest queued update when a buffer is full so
// listeners always observe completion.
func (r *Reporter) broadcastLocked(u Update) {
	for _, ch := range r.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		metrics.ObserveDroppedUpdate()
		if u.Type != UpdateComplete {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

func runningPercent(crawled, discovered int) float64 {
	pct := float64(crawled) / float64(max(discovered, 1)) * 100
	return min(pct, maxRunningPercent)
}

// SnapshotFromJob builds a snapshot from a stored job, for jobs whose
// Reporter is no longer held in memory.
func SnapshotFromJob(job crawler.Job) Snapshot {
	s := Snapshot{
		JobID:           job.ID,
		Host:            job.Host,
		Status:          job.Status,
		PagesCrawled:    job.Counters.PagesCrawled,
		PagesDiscovered: job.Counters.PagesDiscovered,
		PagesFailed:     job.Counters.PagesFailed,
		PagesAdded:      job.Counters.PagesAdded,
		PagesUpdated:    job.Counters.PagesUpdated,
		PagesUnchanged:  job.Counters.PagesUnchanged,
		BytesDownloaded: job.Counters.BytesDownloaded,
		PercentComplete: runningPercent(job.Counters.PagesCrawled, job.Counters.PagesDiscovered),
		Error:           job.ErrorText,
		UpdatedAt:       job.Created,
	}
	if job.Status == crawler.JobStatusCompleted {
		s.PercentComplete = 100
	}
	switch {
	case job.Completed != nil:
		s.UpdatedAt = *job.Completed
	case job.Started != nil:
		s.UpdatedAt = *job.Started
	}
	return s
}
