// Package api exposes the read-only status HTTP interface of the
// archiver.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/metrics"
	"github.com/wikivault/wikivault/internal/middleware"
	"github.com/wikivault/wikivault/internal/orchestrator"
)

// RunReporter provides the live view of the current scrape run.
type RunReporter interface {
	Snapshot() orchestrator.Snapshot
}

// Server serves health, run status, and metrics endpoints.
type Server struct {
	router chi.Router
	runs   RunReporter
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs RunReporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:   runs,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/runs/current", s.currentRun)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs an http.Server on addr until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no run reporter configured")
		return
	}
	s.writeJSON(w, http.StatusOK, s.runs.Snapshot())
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
