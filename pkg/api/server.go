// Package api exposes the question pipeline over HTTP: ask a question,
// refresh a schema catalog, and inspect or flush the result cache.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datalens-ai/datalens/pkg/api/metrics"
	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/pipeline"
	"github.com/datalens-ai/datalens/pkg/schema"
)

// Config configures the HTTP server.
type Config struct {
	Logger   *slog.Logger
	Service  *pipeline.Service
	Registry *schema.Registry
	Reducer  *schema.Reducer
	Cache    *executor.ResultCache

	// AllowedOrigins for browser clients; empty disables CORS headers.
	AllowedOrigins []string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Service == nil {
		return errors.New("pipeline service is required")
	}
	if c.Registry == nil {
		return errors.New("schema registry is required")
	}
	if c.Reducer == nil {
		return errors.New("schema reducer is required")
	}
	if c.Cache == nil {
		return errors.New("result cache is required")
	}
	return nil
}

// Server is the HTTP surface over the pipeline.
type Server struct {
	log    *slog.Logger
	cfg    *Config
	router chi.Router
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the root handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/ask", s.handleAsk)
		r.Get("/catalogs", s.handleListCatalogs)
		r.Post("/schema/{catalog}/refresh", s.handleRefreshSchema)
		r.Get("/cache", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheFlush)
	})

	return r
}
