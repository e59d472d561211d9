package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// fakeJobs is an in-memory Jobs implementation.
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]crawler.Job
	started   []dispatcher.StartRequest
	startErr  error
	updates   map[string]chan progress.Update
	cancelled []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:    make(map[string]crawler.Job),
		updates: make(map[string]chan progress.Update),
	}
}

func (f *fakeJobs) Start(_ context.Context, req dispatcher.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	id := fmt.Sprintf("job-%d", len(f.started))
	f.jobs[id] = crawler.Job{ID: id, Host: req.Host, Status: crawler.JobStatusPending}
	return id, nil
}

func (f *fakeJobs) Status(_ context.Context, id string) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job: %w", crawler.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobs) Snapshot(ctx context.Context, id string) (progress.Snapshot, error) {
	job, err := f.Status(ctx, id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.SnapshotFromJob(job), nil
}

func (f *fakeJobs) Subscribe(id string) (<-chan progress.Update, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.updates[id]
	if !ok {
		return nil, nil, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return ch, func() {}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, fmt.Errorf("get job: %w", crawler.ErrNotFound)
	}
	if job.Status.Terminal() {
		return false, nil
	}
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

type fakePages struct {
	pages map[string][]crawler.PageRecord
	err   error
}

func (f *fakePages) ListPages(_ context.Context, jobID string) ([]crawler.PageRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[jobID], nil
}

func newTestServer(jobs *fakeJobs, pages *fakePages, cfg Config) *Server {
	if pages == nil {
		pages = &fakePages{}
	}
	return NewServer(jobs, pages, cfg, nil)
}

func do(t *testing.T, s *Server, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStartCrawlAccepted(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	s := newTestServer(jobs, nil, Config{})

	rec := do(t, s, http.MethodPost, "/v1/crawls", []byte(`{"host":"example.com","max_pages":25,"respect_robots_txt":false}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "job-1", decode[map[string]string](t, rec)["job_id"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, jobs.started, 1)
	req := jobs.started[0]
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, 25, req.MaxPages)
	require.NotNil(t, req.RespectRobots)
	require.False(t, *req.RespectRobots)
}

func TestStartCrawlErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "malformed", body: `{bad`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"hots":"example.com"}`, status: http.StatusBadRequest},
		{name: "invalid", body: `{}`, err: fmt.Errorf("%w: host or url required", dispatcher.ErrInvalidRequest), status: http.StatusBadRequest},
		{name: "queue full", body: `{"host":"a"}`, err: dispatcher.ErrQueueFull, status: http.StatusServiceUnavailable},
		{name: "closed", body: `{"host":"a"}`, err: dispatcher.ErrClosed, status: http.StatusServiceUnavailable},
		{name: "store", body: `{"host":"a"}`, err: errors.New("db down"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			jobs := newFakeJobs()
			jobs.startErr = tc.err
			rec := do(t, newTestServer(jobs, nil, Config{}), http.MethodPost, "/v1/crawls", []byte(tc.body), nil)
			require.Equal(t, tc.status, rec.Code)
			require.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestGetCrawlAndProgress(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.jobs["job-9"] = crawler.Job{
		ID:       "job-9",
		Host:     "example.com",
		Status:   crawler.JobStatusCompleted,
		Counters: crawler.JobCounters{PagesCrawled: 3, PagesDiscovered: 3, PagesAdded: 2, PagesUnchanged: 1},
	}
	s := newTestServer(jobs, nil, Config{})

	rec := do(t, s, http.MethodGet, "/v1/crawls/job-9", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Job crawler.Job `json:"job"`
	}](t, rec)
	require.Equal(t, crawler.JobStatusCompleted, body.Job.Status)
	require.Equal(t, 2, body.Job.Counters.PagesAdded)

	rec = do(t, s, http.MethodGet, "/v1/crawls/job-9/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[progress.Snapshot](t, rec)
	require.Equal(t, 3, snap.PagesCrawled)
	require.InDelta(t, 100.0, snap.PercentComplete, 0.001)

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/crawls/missing", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/crawls/missing/progress", nil, nil).Code)
}

func TestListPagesPaginates(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.jobs["job-1"] = crawler.Job{ID: "job-1", Status: crawler.JobStatusRunning}
	records := make([]crawler.PageRecord, 5)
	for i := range records {
		records[i] = crawler.PageRecord{JobID: "job-1", URL: fmt.Sprintf("https://example.com/%d", i)}
	}
	s := newTestServer(jobs, &fakePages{pages: map[string][]crawler.PageRecord{"job-1": records}}, Config{})

	rec := do(t, s, http.MethodGet, "/v1/crawls/job-1/pages?limit=2&offset=3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Pages  []crawler.PageRecord `json:"pages"`
		Total  int                  `json:"total"`
		Limit  int                  `json:"limit"`
		Offset int                  `json:"offset"`
	}](t, rec)
	require.Equal(t, 5, body.Total)
	require.Len(t, body.Pages, 2)
	require.Equal(t, "https://example.com/3", body.Pages[0].URL)

	rec = do(t, s, http.MethodGet, "/v1/crawls/job-1/pages?offset=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[struct {
		Pages []crawler.PageRecord `json:"pages"`
	}](t, rec).Pages)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/crawls/job-1/pages?limit=0", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/crawls/job-1/pages?offset=-1", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/crawls/nope/pages", nil, nil).Code)
}

func TestListPagesStoreError(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.jobs["job-1"] = crawler.Job{ID: "job-1"}
	s := newTestServer(jobs, &fakePages{err: errors.New("boom")}, Config{})
	require.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/v1/crawls/job-1/pages", nil, nil).Code)
}

func TestCancelCrawl(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.jobs["running"] = crawler.Job{ID: "running", Status: crawler.JobStatusRunning}
	jobs.jobs["done"] = crawler.Job{ID: "done", Status: crawler.JobStatusCompleted}
	s := newTestServer(jobs, nil, Config{})

	rec := do(t, s, http.MethodPost, "/v1/crawls/running/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["accepted"])
	require.Equal(t, []string{"running"}, jobs.cancelled)

	rec = do(t, s, http.MethodPost, "/v1/crawls/done/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, false, decode[map[string]any](t, rec)["accepted"])

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/crawls/nope/cancel", nil, nil).Code)
}

func TestAPIKeyGuard(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.jobs["job-1"] = crawler.Job{ID: "job-1"}
	s := newTestServer(jobs, nil, Config{APIKey: "secret"})

	require.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/crawls/job-1", nil, nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		do(t, s, http.MethodGet, "/v1/crawls/job-1", nil, http.Header{"X-Api-Key": {"wrong"}}).Code)
	require.Equal(t, http.StatusOK,
		do(t, s, http.MethodGet, "/v1/crawls/job-1", nil, http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil, nil).Code, "health checks stay open")
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusOK, do(t, newTestServer(newFakeJobs(), nil, Config{}), http.MethodGet, "/readyz", nil, nil).Code)

	failing := Config{Ready: func(context.Context) error { return errors.New("postgres unreachable") }}
	require.Equal(t, http.StatusServiceUnavailable,
		do(t, newTestServer(newFakeJobs(), nil, failing), http.MethodGet, "/readyz", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeJobs(), nil, Config{})
	do(t, s, http.MethodGet, "/healthz", nil, nil)
	rec := do(t, s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(nopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeJobs(), nil, Config{})
	rec := do(t, s, http.MethodGet, "/healthz", nil, http.Header{"X-Request-Id": {"abc-123"}})
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
