package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/config"
	"github.com/carinho/integracoes/internal/deadletter"
	"github.com/carinho/integracoes/internal/ingest"
	"github.com/carinho/integracoes/internal/mapping"
	"github.com/carinho/integracoes/internal/metrics"
	"github.com/carinho/integracoes/internal/ratelimit"
	"github.com/carinho/integracoes/internal/registry"
	"github.com/carinho/integracoes/internal/storage"
)

// Services are the components the HTTP API fronts.
type Services struct {
	Store       storage.Storage
	Ingest      *ingest.Service
	Registry    *registry.Registry
	Mappings    *mapping.Service
	DeadLetters *deadletter.Service
	Limiter     *ratelimit.Limiter
}

type Server struct {
	cfg    config.ServerConfig
	svc    Services
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, svc Services, log zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		log: log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	evHandler := NewEventHandler(s.svc.Ingest, s.svc.Store)
	epHandler := NewEndpointHandler(s.svc.Registry)
	mapHandler := NewMappingHandler(s.svc.Mappings, s.svc.Store)
	dlqHandler := NewDeadLetterHandler(s.svc.DeadLetters)
	dlvHandler := NewDeliveryHandler(s.svc.Store)
	statsHandler := NewStatsHandler(s.svc.Store)

	r.Get("/health", statsHandler.Health)
	r.Handle("/metrics", metrics.Handler())

	// Ingestion, rate limited per calling system
	r.Group(func(r chi.Router) {
		if s.svc.Limiter != nil {
			r.Use(RateLimitMiddleware(s.svc.Limiter, s.log))
		}
		r.Post("/events", evHandler.Create)
	})

	r.Get("/events", evHandler.List)
	r.Get("/events/{id}", evHandler.Get)

	// Webhook registry
	r.Post("/webhooks", epHandler.Register)
	r.Get("/webhooks", epHandler.List)
	r.Get("/webhooks/{id}", epHandler.Get)
	r.Patch("/webhooks/{id}/deactivate", epHandler.Deactivate)
	r.Patch("/webhooks/{id}/activate", epHandler.Activate)

	// Mappings
	r.Post("/mappings", mapHandler.Create)
	r.Get("/mappings", mapHandler.List)

	// Deliveries
	r.Get("/deliveries/{id}", dlvHandler.Get)
	r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)

	// Dead letters
	r.Get("/dead-letters", dlqHandler.List)
	r.Get("/dead-letters/{id}", dlqHandler.Get)
	r.Post("/dead-letters/{id}/retry", dlqHandler.Retry)
	r.Post("/dead-letters/{id}/archive", dlqHandler.Archive)

	r.Get("/stats", statsHandler.Stats)

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
