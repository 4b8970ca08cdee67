package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes builds the gateway router: health check, WebSocket endpoint and
// Prometheus metrics.
func SetupRoutes(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/healthz", s.healthzHandler)
	r.Get("/ws", s.webSocketHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}
