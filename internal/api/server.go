package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

const (
	defaultPageLimit      = 100
	maxPageLimit          = 1000
	defaultRequestTimeout = 30 * time.Second
	maxRequestBody        = 1 << 20
)

// Jobs is the job manager surface the API drives. *dispatcher.Manager
// satisfies it.
type Jobs interface {
	Start(ctx context.Context, req dispatcher.StartRequest) (string, error)
	Status(ctx context.Context, id string) (crawler.Job, error)
	Snapshot(ctx context.Context, id string) (progress.Snapshot, error)
	Subscribe(id string) (<-chan progress.Update, func(), error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// PageLister reads page records for a job.
type PageLister interface {
	ListPages(ctx context.Context, jobID string) ([]crawler.PageRecord, error)
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required in the X-API-Key header on /v1 routes.
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports downstream health for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the job manager and stores.
type Server struct {
	router chi.Router
	jobs   Jobs
	pages  PageLister
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Jobs, pages PageLister, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{jobs: jobs, pages: pages, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawls", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		bounded := r.With(timeoutMiddleware(cfg.RequestTimeout))
		bounded.Post("/", s.startCrawl)
		r.Route("/{job_id}", func(r chi.Router) {
			bounded := r.With(timeoutMiddleware(cfg.RequestTimeout))
			bounded.Get("/", s.getCrawl)
			bounded.Get("/progress", s.getProgress)
			bounded.Get("/pages", s.listPages)
			bounded.Post("/cancel", s.cancelCrawl)
			r.Get("/ws", s.streamProgress)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.jobs.Start(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatcher.ErrQueueFull), errors.Is(err, dispatcher.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("start crawl failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start crawl")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.lookupFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.Snapshot(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.lookupFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.jobs.Status(r.Context(), jobID); err != nil {
		s.lookupFailed(w, err)
		return
	}
	pages, err := s.pages.ListPages(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	total := len(pages)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"pages":  pages[start:end],
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	accepted, err := s.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		s.lookupFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "accepted": accepted})
}

func (s *Server) lookupFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load job")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
