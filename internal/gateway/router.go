package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/arda-kanban/realtime-gateway/internal/config"
	"github.com/arda-kanban/realtime-gateway/internal/logger"
	"github.com/arda-kanban/realtime-gateway/internal/metrics"
	"github.com/arda-kanban/realtime-gateway/middleware"
)

// NewRouter wires the HTTP surface: health/readiness, Prometheus metrics,
// and the authenticated realtime endpoints. ready is the readiness probe
// (normally a Redis ping).
func NewRouter(cfg *config.Config, h *Handler, ready func(context.Context) error) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("redis not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/realtime/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		// Connection-attempt limiting only; event-level rate limiting is the
		// bridge's job.
		r.With(httprate.LimitByIP(cfg.ConnectRateLimit, cfg.ConnectRateWindow)).
			Get("/subscribe", h.Subscribe)
		r.Get("/stats", h.Stats)
	})

	return r
}
