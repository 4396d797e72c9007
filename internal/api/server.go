// Package api exposes the thin operational HTTP boundary: scheduling,
// seeding, and status visibility.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/metrics"
	"github.com/bibliofeed/aggregator/internal/scheduler"
)

const recentActivityLimit = 20

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{scheduler: sched, logger: logger}

	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/backfill", func(r chi.Router) {
		r.Post("/schedule", s.schedule)
		r.Post("/seed", s.seed)
		r.Get("/status", s.status)
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

type scheduleRequest struct {
	Limit      int  `json:"limit"`
	YearFrom   int  `json:"year_from"`
	YearTo     int  `json:"year_to"`
	ForceRetry bool `json:"force_retry"`
	DryRun     bool `json:"dry_run"`
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	resp, err := s.scheduler.Schedule(r.Context(), scheduler.Request{
		Limit:      req.Limit,
		YearFrom:   req.YearFrom,
		YearTo:     req.YearTo,
		ForceRetry: req.ForceRetry,
		DryRun:     req.DryRun,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type seedRequest struct {
	FromYear  int `json:"from_year"`
	FromMonth int `json:"from_month"`
	ToYear    int `json:"to_year"`
	ToMonth   int `json:"to_month"`
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.FromMonth < 1 || req.FromMonth > 12 || req.ToMonth < 1 || req.ToMonth > 12 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("months must be in 1..12"))
		return
	}
	inserted, err := s.scheduler.Seed(r.Context(), req.FromYear, req.FromMonth, req.ToYear, req.ToMonth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"inserted": inserted})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.Status(r.Context(), recentActivityLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
