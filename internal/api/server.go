// Package api exposes the HTTP interface for the downloader service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
	"github.com/JakeFAU/creator-downloader/internal/store"
)

const (
	requestTimeout  = 60 * time.Second
	readyTimeout    = 2 * time.Second
	defaultMaxItems = 10000
)

// ReadinessCheck probes a downstream dependency.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of a Server. Progress may be nil when no
// Postgres progress store is configured.
type Deps struct {
	Store    downloader.BatchStore
	Queue    downloader.Queue
	IDs      downloader.IDGenerator
	Clock    downloader.Clock
	Progress store.ProgressRepository
	Checks   map[string]ReadinessCheck
	// MaxItems caps the size of a submitted batch.
	MaxItems int
}

// Server wires HTTP handlers to the batch queue and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("batch store is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.MaxItems <= 0 {
		deps.MaxItems = defaultMaxItems
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		progress: NewProgressHandler(deps.Progress, logger),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", s.submitBatch)
		r.Route("/{batch_id}", func(r chi.Router) {
			r.Get("/", s.getBatch)
			r.Get("/outcomes", s.listOutcomes)
		})
	})

	r.Route("/api/batches", func(r chi.Router) {
		r.Get("/", s.progress.ListBatches)
		r.Route("/{batch_id}", func(r chi.Router) {
			r.Get("/", s.progress.GetBatch)
			r.Get("/sites", s.progress.ListBatchSites)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
