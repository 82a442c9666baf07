// Package healthserver exposes the /healthz and /metrics endpoints the
// `serve-health` subcommand runs, grounded on wisbric-nightowl's
// internal/httpserver (chi router, promhttp.HandlerFor against a
// dedicated prometheus.Registry, a DB-ping readiness check) instead of
// a hand-rolled net/http.ServeMux.
package healthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wdvr/gpu-devpod-controlplane/internal/metrics"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// Server serves liveness, readiness, and metrics for whichever
// subcommand (processor, reconcile-availability, expire) is running
// alongside it.
type Server struct {
	router *chi.Mux
	pool   *store.Pool
	log    logr.Logger
}

// New builds a Server. pool is used only for the /readyz DB ping.
func New(pool *store.Pool, m *metrics.Registry, log logr.Logger) *Server {
	s := &Server{router: chi.NewRouter(), pool: pool, log: log.WithName("healthserver")}

	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		s.log.Error(err, "readiness check: database ping failed")
		respond(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respond(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
