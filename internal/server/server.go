// Package server is the operator HTTP surface: liveness, status and a
// config cache invalidation hook. It deliberately exposes no trading
// controls.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/polymirror/copytrader/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Server wraps the http.Server with the operator routes registered.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the operator routes and builds the middleware chain.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	h := newHandlers(deps, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /config/invalidate", h.invalidateConfig)

	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
