// Package httpapi wires the versioned /v1/ HTTP surface on top of chi,
// with thin handlers: validate request, call Store or Job Engine, map
// errors.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nexus/internal/auth"
	"nexus/internal/gpu"
	"nexus/internal/logger"
	"nexus/internal/store"
)

// Server bundles the collaborators handlers need.
type Server struct {
	Store  *store.Store
	Prober gpu.Prober
	Gate   *auth.Gate
	Ring   *logger.Ring
	Logger *slog.Logger
	Node   string
	Now    func() float64
}

// Router builds the chi.Mux exposing every control-plane endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/server/status", s.handleServerStatus)
		r.Get("/server/logs", s.handleServerLogs)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Patch("/jobs/{id}", s.handlePatchJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/kill", s.handleKillJob)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)

		r.Post("/artifacts", s.handleCreateArtifact)

		r.Get("/gpus", s.handleListGPUs)
		r.Put("/gpus/{idx}/blacklist", s.handleBlacklistGPU)
		r.Delete("/gpus/{idx}/blacklist", s.handleUnblacklistGPU)

		r.Post("/auth/ssh-keys", s.handleRegisterSSHKey)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Gate.Authenticate(r); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) now() float64 {
	if s.Now != nil {
		return s.Now()
	}
	return float64(time.Now().UnixNano()) / 1e9
}
