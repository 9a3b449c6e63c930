// Package server exposes the session manager over an HTTP API: session
// creation, state inspection, input submission and a websocket watch feed.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/arbitergames/arbiter-server-go/internal/config"
	"github.com/arbitergames/arbiter-server-go/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the game API.
type Server struct {
	cfg      config.ServerConfig
	manager  *session.Manager
	logger   *zap.Logger
	limiter  *ipRateLimiter
	http     *http.Server
	upgrader websocketUpgrader
}

// New creates a server over a session manager.
func New(cfg config.ServerConfig, metricsEnabled bool, manager *session.Manager, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		logger:   logger,
		upgrader: newUpgrader(cfg.CORS.AllowedOrigins),
	}
	s.http = &http.Server{
		Addr:    cfg.Address,
		Handler: s.router(metricsEnabled),
	}
	if cfg.AdminKeyHash == "" && logger != nil {
		logger.Warn("no admin key hash configured; destructive endpoints disabled")
	}
	return s
}

func (s *Server) router(metricsEnabled bool) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	if s.cfg.RateLimit.Enabled {
		s.limiter = newIPRateLimiter(s.cfg.RateLimit.RequestsPerSecond, s.cfg.RateLimit.Burst)
		r.Use(s.limiter.middleware)
	}
	origins := s.cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Admin-Key"},
	}))
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/view", s.handleGetAliasedView)
			r.Post("/input", s.handleSubmitInput)
			r.Post("/advance", s.handleAdvance)
			r.Get("/watch", s.handleWatch)
			r.With(adminAuth(s.cfg.AdminKeyHash, s.logger)).Delete("/", s.handleDeleteSession)
		})
	})

	return r
}

// ListenAndServe blocks serving the API until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	if s.logger != nil {
		s.logger.Info("http server listening", zap.String("address", s.cfg.Address))
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// routePattern returns the chi route pattern for bounded metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
