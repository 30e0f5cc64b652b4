package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/user/weibo-harvester/internal/delivery/http/handler"
	"github.com/user/weibo-harvester/internal/delivery/http/middleware"
	"github.com/user/weibo-harvester/pkg/metrics"
)

// New builds the HTTP API. metricsHandler serves /metrics.
func New(h *handler.Handler, m *metrics.Metrics, logger *zap.Logger, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Handle("/metrics", metricsHandler)
	r.Get("/api/health", h.HandleHealthCheck)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", h.HandleCreateTask)
		r.Get("/", h.HandleListTasks)

		r.Get("/{id}", h.HandleGetTask)
		r.Get("/{id}/progress", h.HandleGetProgress)
		r.Get("/{id}/posts", h.HandleExportPosts)

		r.Post("/{id}/history", h.HandleStartHistory)
		r.Post("/{id}/incremental", h.HandleStartIncremental)
		r.Post("/{id}/pause", h.HandlePause)
		r.Post("/{id}/resume", h.HandleResume)
		r.Post("/{id}/retry", h.HandleRetry)
	})

	return r
}
