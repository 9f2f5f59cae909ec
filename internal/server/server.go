// Package server exposes the HTTP surface of specenv: health checks,
// version, metrics and the materialization API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/specenv/internal/errors"
	"github.com/3leaps/specenv/internal/observability"
	"github.com/3leaps/specenv/internal/server/handlers"
	"github.com/3leaps/specenv/internal/server/middleware"
)

// Timeouts configures the underlying http.Server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

var defaultTimeouts = Timeouts{
	Read:     30 * time.Second,
	Write:    30 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 10 * time.Second,
}

// Option configures a Server.
type Option func(*Server)

// WithAPI mounts the materialization API.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTelemetry records request metrics into t and serves /metrics from it
// when the metrics listener is not split out.
func WithTelemetry(t *observability.Telemetry, serveMetrics bool) Option {
	return func(s *Server) {
		s.telemetry = t
		s.serveMetrics = serveMetrics
	}
}

// WithTimeouts overrides the server timeouts. Zero fields keep the default.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
		if t.Shutdown > 0 {
			s.timeouts.Shutdown = t.Shutdown
		}
	}
}

// Server is the HTTP server.
type Server struct {
	host         string
	port         int
	router       chi.Router
	httpServer   *http.Server
	api          *handlers.API
	logger       *zap.Logger
	telemetry    *observability.Telemetry
	serveMetrics bool
	timeouts     Timeouts
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		logger:   observability.ServerLogger,
		timeouts: defaultTimeouts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	if s.telemetry != nil {
		r.Use(middleware.Metrics(s.telemetry.ObserveHTTP))
	}
	r.Use(middleware.Recovery)

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.telemetry != nil && s.serveMetrics {
		r.Method(http.MethodGet, "/metrics", s.telemetry.Handler())
	}

	if s.api != nil {
		s.api.Register(r)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ShutdownTimeout returns the graceful shutdown budget.
func (s *Server) ShutdownTimeout() time.Duration { return s.timeouts.Shutdown }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
		}
		return nil
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
