// Package api exposes health, metrics and crawl statistics over HTTP while a
// crawl is running.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/metrics"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// StatsProvider reports the scheduler state of a running crawl.
type StatsProvider interface {
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

// Enqueuer accepts URLs discovered outside the crawl.
type Enqueuer interface {
	Enqueue(ctx context.Context, spider *crawler.Spider, urls ...string) (int, error)
}

// Server wires HTTP handlers to a running crawl.
type Server struct {
	router   chi.Router
	stats    StatsProvider
	queue    crawler.Queue
	enqueuer Enqueuer
	spider   *crawler.Spider
	logger   *zap.Logger
}

// Options groups the server's collaborators. Only Stats is required.
type Options struct {
	Stats    StatsProvider
	Queue    crawler.Queue
	Enqueuer Enqueuer
	Spider   *crawler.Spider
	Logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		stats:    opts.Stats,
		queue:    opts.Queue,
		enqueuer: opts.Enqueuer,
		spider:   opts.Spider,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/stats/groups/{origin}", s.getGroup)
		r.Post("/urls", s.submitURLs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	scheduler.Snapshot
	Pending *int `json:"pending,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	resp := statsResponse{Snapshot: snap}
	if s.queue != nil {
		n, err := s.queue.Len(r.Context())
		if err != nil {
			s.logger.Warn("queue length unavailable", zap.Error(err))
		} else {
			resp.Pending = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	origin := chi.URLParam(r, "origin")
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	for _, g := range snap.Groups {
		if g.Origin == origin {
			writeJSON(w, http.StatusOK, g)
			return
		}
	}
	writeError(w, http.StatusNotFound, "origin not tracked")
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (scheduler.Snapshot, bool) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not running")
		return scheduler.Snapshot{}, false
	}
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return scheduler.Snapshot{}, false
	}
	return snap, true
}

type submitURLsRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) submitURLs(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil || s.spider == nil {
		writeError(w, http.StatusServiceUnavailable, "url submission disabled")
		return
	}
	var req submitURLsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	queued, err := s.enqueuer.Enqueue(r.Context(), s.spider, req.URLs...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, crawler.ErrQueueClosed) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
