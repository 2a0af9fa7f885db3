// Package api exposes the HTTP interface for the link scout service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/config"
	"github.com/linkscout/linkscout/internal/jobs"
	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

// Scraper starts a scrape job for one page and returns the job ID.
type Scraper interface {
	Extract(ctx context.Context, sourceURL, keyword string) (string, []scout.LinkCandidate, error)
}

// Server wires HTTP handlers to the extractor, tracker, and store.
type Server struct {
	router    chi.Router
	extractor Scraper
	tracker   *jobs.Tracker
	store     scout.Persister
	tasks     queue.Queue
	results   queue.Queue
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	extractor Scraper,
	tracker *jobs.Tracker,
	store scout.Persister,
	tasks queue.Queue,
	results queue.Queue,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		extractor: extractor,
		tracker:   tracker,
		store:     store,
		tasks:     tasks,
		results:   results,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/scrape", s.scrape)
	r.Get("/jobs/{job_id}", s.jobStatus)
	r.Route("/db", func(r chi.Router) {
		r.Get("/query", s.query)
		r.Get("/query/href", s.queryHref)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz pings the queues and the store so load balancers stop routing to
// an instance that lost a dependency.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if err := s.tasks.Ping(ctx); err != nil {
		checks["task_queue"] = err.Error()
		ready = false
	}
	if err := s.results.Ping(ctx); err != nil {
		checks["result_queue"] = err.Error()
		ready = false
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URL     string `json:"url"`
	Keyword string `json:"keyword"`
}

type scrapeResult struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

type scrapeResponse struct {
	JobID     string         `json:"job_id"`
	SourceURL string         `json:"source_url"`
	Keyword   string         `json:"keyword"`
	Status    string         `json:"status"`
	Count     int            `json:"count"`
	Results   []scrapeResult `json:"results"`
}

// scrape runs the full pipeline for one page: extract candidates, wait for
// the job to finish (bounded by server.scrape_wait_seconds), and return
// the ranked rows persisted for this source/keyword pair.
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required")
		return
	}
	if req.Keyword == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "keyword is required")
		return
	}

	jobID, _, err := s.extractor.Extract(r.Context(), req.URL, req.Keyword)
	if err != nil && jobID == "" {
		s.renderExtractError(w, req.URL, err)
		return
	}
	if err != nil {
		// The job exists but some candidates never reached the queue; they
		// are already counted as failed units, so fall through to the wait.
		s.logger.Warn("partial enqueue", zap.String("job_id", jobID), zap.Error(err))
	}

	done, err := s.tracker.Wait(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	select {
	case <-done:
	case <-time.After(s.cfg.ScrapeWait()):
		writeError(w, http.StatusGatewayTimeout, "scrape_timeout",
			fmt.Sprintf("job %s still processing after %s", jobID, s.cfg.ScrapeWait()))
		return
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "scrape_timeout", "client canceled request")
		return
	}

	job, err := s.tracker.Status(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	items, err := s.store.QueryByKeywordOrSource(r.Context(), req.Keyword, req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	results := make([]scrapeResult, 0, len(items))
	for _, item := range items {
		results = append(results, scrapeResult{URL: item.HrefURL, Score: item.RelevanceScore})
	}
	writeJSON(w, http.StatusOK, scrapeResponse{
		JobID:     jobID,
		SourceURL: req.URL,
		Keyword:   req.Keyword,
		Status:    string(job.Status),
		Count:     len(results),
		Results:   results,
	})
}

func (s *Server) renderExtractError(w http.ResponseWriter, url string, err error) {
	switch scout.KindOf(err) {
	case scout.KindRobotsDisallowed:
		writeError(w, http.StatusForbidden, "robots_txt_error",
			fmt.Sprintf("robots.txt disallows scraping %s", url))
	case scout.KindFetchFailed:
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error())
	case scout.KindQueueFull:
		writeError(w, http.StatusServiceUnavailable, "queue_full",
			"task queue is full, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.tracker.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	sourceURL := r.URL.Query().Get("source_url")
	if keyword == "" && sourceURL == "" {
		writeError(w, http.StatusBadRequest, "bad_request",
			"at least one of keyword or source_url is required")
		return
	}
	items, err := s.store.QueryByKeywordOrSource(r.Context(), keyword, sourceURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	if items == nil {
		items = []scout.StoredItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) queryHref(w http.ResponseWriter, r *http.Request) {
	hrefURL := r.URL.Query().Get("href_url")
	if hrefURL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "href_url is required")
		return
	}
	item, err := s.store.QueryByHref(r.Context(), hrefURL)
	if scout.IsKind(err, scout.KindNotFound) {
		writeError(w, http.StatusNotFound, "not_found",
			fmt.Sprintf("no stored item for %s", hrefURL))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != apiKey {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already written; an encode failure here means the
	// client went away and there is nothing left to do.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
