package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/davidbz/clibridge/internal/httpserver/middleware"
	"github.com/davidbz/clibridge/internal/observability"
)

// Config contains HTTP server settings. Timeouts are in seconds.
type Config struct {
	Host         string `env:"SERVER_HOST"           envDefault:""`
	Port         int    `env:"SERVER_PORT"           envDefault:"8080"`
	ReadTimeout  int    `env:"SERVER_READ_TIMEOUT"   envDefault:"30"`
	WriteTimeout int    `env:"SERVER_WRITE_TIMEOUT"  envDefault:"600"`
	IdleTimeout  int    `env:"SERVER_IDLE_TIMEOUT"   envDefault:"120"`
	MaxBodyBytes int64  `env:"SERVER_MAX_BODY_BYTES" envDefault:"33554432"`
}

// Server represents the HTTP server.
type Server struct {
	config      Config
	handler     *Handler
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *Config,
	handler *Handler,
	middlewares middleware.Middleware,
) *Server {
	s := &Server{
		config:      *cfg,
		handler:     handler,
		middlewares: middlewares,
	}
	s.srv = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}
	return s
}

// Handler returns the routed mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.middlewares(s.handler.Routes())
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", observability.String("addr", s.srv.Addr))

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
