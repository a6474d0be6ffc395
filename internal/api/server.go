package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/crawl"
	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/metrics"
	"github.com/statforge/matchminer/internal/progress/sinks"
	"github.com/statforge/matchminer/internal/ratelimit"
)

const statusTimeout = 3 * time.Second

// LimitSource reports rate budget usage without consuming a slot.
type LimitSource interface {
	Status(ctx context.Context, scope string, class ratelimit.Class) ratelimit.Status
}

// ProgressSource serves the rolled-up per-region crawl view.
type ProgressSource interface {
	Status() []sinks.RegionStatus
}

// StateSource exposes one region's crawl state snapshot.
type StateSource interface {
	Snapshot() crawl.Snapshot
}

// Server wires the read-only operational routes.
type Server struct {
	router   chi.Router
	limits   LimitSource
	progress ProgressSource
	states   map[match.Region]StateSource
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	limits LimitSource,
	progressSrc ProgressSource,
	states map[match.Region]StateSource,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		limits:   limits,
		progress: progressSrc,
		states:   states,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/limits/{region}", s.getLimits)
		r.Get("/progress", s.getProgress)
		r.Get("/regions/{region}/state", s.getRegionState)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getLimits handles GET /v1/limits/{region}?class=bulk. The limiter call is
// read-only and never consumes budget.
func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	region, err := match.ParseRegion(chi.URLParam(r, "region"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	class := ratelimit.Class(r.URL.Query().Get("class"))
	if class == "" {
		class = ratelimit.ClassBulk
	}
	switch class {
	case ratelimit.ClassBulk, ratelimit.ClassOverhead, ratelimit.ClassPriority:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown class")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	s.writeJSON(w, http.StatusOK, s.limits.Status(ctx, string(region), class))
}

// getProgress handles GET /v1/progress.
func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"regions": s.progress.Status()})
}

// getRegionState handles GET /v1/regions/{region}/state. The snapshot is the
// same capped view the persistence tick writes.
func (s *Server) getRegionState(w http.ResponseWriter, r *http.Request) {
	region, err := match.ParseRegion(chi.URLParam(r, "region"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, ok := s.states[region]
	if !ok {
		s.writeError(w, http.StatusNotFound, "region is not being crawled")
		return
	}
	snap := src.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"region":        region,
		"stack_len":     len(snap.Stack),
		"visited_len":   len(snap.Visited),
		"dry_len":       len(snap.Dry),
		"seed_pool_len": len(snap.SeedPool),
		"backtrack":     snap.Backtrack,
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
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
				s.logger.Error("panic recovered in handler", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
