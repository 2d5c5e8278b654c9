// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/ledger"
	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/reconcile"
	"github.com/calegis/lawcrawl/internal/runner"
)

// JobRunner creates and executes pipeline jobs.
type JobRunner interface {
	NewJob(ctx context.Context, code string) (pipeline.Job, error)
	Run(ctx context.Context, job pipeline.Job, opts runner.Options) error
}

// LedgerOps is the failure ledger surface exposed over HTTP.
type LedgerOps interface {
	RetryOne(ctx context.Context, code, section string, force bool) (ledger.RetryOutcome, error)
	RetryAll(ctx context.Context, code string, limit int, types []pipeline.FailureType) (ledger.RetrySummary, error)
	Abandon(ctx context.Context, code, section, reason string) error
	Report(ctx context.Context, code string) (pipeline.FailureReport, error)
}

// Reconciler re-drives a code's gap set on demand.
type Reconciler interface {
	Reconcile(ctx context.Context, code string) (reconcile.Report, error)
}

// Server wires HTTP handlers to the job runner, ledger and store.
type Server struct {
	router     chi.Router
	store      pipeline.Store
	runner     JobRunner
	ledger     LedgerOps
	reconciler Reconciler
	logger     *zap.Logger

	// baseCtx parents background job runs so they outlive the request.
	baseCtx context.Context
}

// NewServer constructs a Server with middleware and routes. baseCtx
// bounds the lifetime of background jobs; cancel it on shutdown.
func NewServer(
	baseCtx context.Context,
	store pipeline.Store,
	jobs JobRunner,
	ledgerOps LedgerOps,
	reconciler Reconciler,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:      store,
		runner:     jobs,
		ledger:     ledgerOps,
		reconciler: reconciler,
		logger:     logger,
		baseCtx:    baseCtx,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/codes/{code}", func(r chi.Router) {
			r.Get("/", s.getCode)
			r.Post("/jobs", s.startJob)
			r.Post("/reconcile", s.runReconcile)
			r.Get("/report", s.getReport)
			r.Route("/failures", func(r chi.Router) {
				r.Get("/", s.listFailures)
				r.Post("/retry", s.retryAll)
				r.Route("/{section}", func(r chi.Router) {
					r.Post("/retry", s.retryOne)
					r.Post("/abandon", s.abandonOne)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a cheap read proves it out.
	if _, err := s.store.ListRecentJobs(r.Context(), 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startJobRequest struct {
	SkipVersions  bool `json:"skip_versions"`
	SkipReconcile bool `json:"skip_reconcile"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	var req startJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	job, err := s.runner.NewJob(r.Context(), code)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := runner.Options{SkipVersions: req.SkipVersions, SkipReconcile: req.SkipReconcile}
	go func() {
		if err := s.runner.Run(s.baseCtx, job, opts); err != nil && !errors.Is(err, pipeline.ErrInterrupted) {
			s.logger.Error("background job failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	jobs, err := s.store.ListRecentJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.store.GetCode(r.Context(), strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "code not found")
		return
	}
	s.writeJSON(w, http.StatusOK, code)
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	status := pipeline.RetryStatus(r.URL.Query().Get("status"))
	types := parseFailureTypes(r.URL.Query().Get("types"))

	failures, err := s.store.ListFailures(r.Context(), code, status, types)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"code":     code,
		"count":    len(failures),
		"failures": failures,
	})
}

func (s *Server) retryOne(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	section := chi.URLParam(r, "section")
	force := r.URL.Query().Get("force") == "true"

	outcome, err := s.ledger.RetryOne(r.Context(), code, section, force)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

type retryAllRequest struct {
	Limit int      `json:"limit"`
	Types []string `json:"types"`
}

func (s *Server) retryAll(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))

	var req retryAllRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	types := make([]pipeline.FailureType, 0, len(req.Types))
	for _, t := range req.Types {
		types = append(types, pipeline.FailureType(t))
	}

	summary, err := s.ledger.RetryAll(r.Context(), code, req.Limit, types)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abandonOne(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	section := chi.URLParam(r, "section")

	var req abandonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := s.ledger.Abandon(r.Context(), code, section, req.Reason); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "failure record not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"code":    code,
		"section": section,
		"status":  string(pipeline.RetryAbandoned),
	})
}

func (s *Server) runReconcile(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	report, err := s.reconciler.Reconcile(r.Context(), code)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))

	// The stored aggregate is served when one exists; refresh=true
	// recomputes and persists a fresh one.
	if r.URL.Query().Get("refresh") != "true" {
		report, err := s.store.GetFailureReport(r.Context(), code)
		if err == nil {
			s.writeJSON(w, http.StatusOK, report)
			return
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			s.writeError(w, http.StatusInternalServerError, "failed to load report")
			return
		}
	}

	report, err := s.ledger.Report(r.Context(), code)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func parseFailureTypes(raw string) []pipeline.FailureType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	types := make([]pipeline.FailureType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			types = append(types, pipeline.FailureType(p))
		}
	}
	return types
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
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
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
