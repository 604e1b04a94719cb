package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/savegress/sensorhub/internal/alerts"
	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/internal/ingest"
	"github.com/savegress/sensorhub/internal/metrics"
	"github.com/savegress/sensorhub/internal/storage"
)

// Server is the read-only query surface consumed by the dashboard.
type Server struct {
	router   chi.Router
	handlers *Handlers
}

// NewServer wires the handlers and routes.
func NewServer(cfg *config.Store, store storage.ReadingStore, engine *alerts.Engine, svc *ingest.Service, counters *metrics.Counters) *Server {
	s := &Server{
		router: chi.NewRouter(),
		handlers: &Handlers{
			cfg:      cfg,
			store:    store,
			engine:   engine,
			ingest:   svc,
			counters: counters,
			started:  time.Now(),
		},
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/sensors", s.handlers.ListSensors)
		r.Get("/sensors/{id}/readings", s.handlers.GetReadings)
		r.Get("/status", s.handlers.GetStatus)
		r.Get("/alerts", s.handlers.ListAlerts)
		r.Post("/alerts/config", s.handlers.ReloadConfig)
	})
}

// Router returns the chi router.
func (s *Server) Router() http.Handler {
	return s.router
}
