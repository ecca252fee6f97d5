// Package http provides the HTTP transport: the public decision endpoint,
// the admin API, health, and metrics.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-warden/warden/internal/service"
)

// defaultMaxPayloadBytes is the request body ceiling (1 MB).
const defaultMaxPayloadBytes = 1 << 20

// defaultRequestDeadline bounds one decision request end to end, database
// calls included.
const defaultRequestDeadline = 5 * time.Second

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the inbound HTTP adapter. It serves POST /runtime-check backed
// by the decision service, and optionally the admin API, /health, and
// /metrics on the same listener.
type Server struct {
	decisions *service.DecisionService
	admin     *AdminAPI
	audits    *service.AuditService
	health    *HealthChecker

	addr            string
	allowedOrigins  []string
	maxPayloadBytes int64
	requestDeadline time.Duration
	logger          *slog.Logger

	metrics   *Metrics
	registry  *prometheus.Registry
	buildOnce sync.Once
	handler   http.Handler
	server    *http.Server
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAllowedOrigins sets the CORS origin allowlist. Empty means any origin;
// the decision endpoint authenticates by API key, not by origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithMaxPayloadBytes sets the request body ceiling.
func WithMaxPayloadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPayloadBytes = n
		}
	}
}

// WithRequestDeadline sets the per-request deadline inherited by every
// database call on the decision path.
func WithRequestDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestDeadline = d
		}
	}
}

// WithAdminAPI mounts the admin API under /admin/api/.
func WithAdminAPI(a *AdminAPI) Option {
	return func(s *Server) { s.admin = a }
}

// WithAuditService exposes the audit writer's queue depth and drop count as
// metrics.
func WithAuditService(a *service.AuditService) Option {
	return func(s *Server) { s.audits = a }
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// NewServer creates the HTTP server around the decision service.
func NewServer(decisions *service.DecisionService, opts ...Option) *Server {
	s := &Server{
		decisions:       decisions,
		addr:            "127.0.0.1:8080",
		maxPayloadBytes: defaultMaxPayloadBytes,
		requestDeadline: defaultRequestDeadline,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full handler chain. The chain is built once; later
// calls return the same handler.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(s.registry)
		if s.audits != nil {
			RegisterAuditCollectors(s.registry, s.audits)
		}
		s.handler = s.buildHandler()
	})
	return s.handler
}

// buildHandler assembles routes and the middleware chain.
// Middleware order (outermost first):
//  1. MetricsMiddleware, so the recorded duration covers everything below
//  2. RequestID, so every later log line carries request_id
//  3. RealIP, client address from proxy headers
//  4. CORS, preflight handling for browser-based agents
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runtime-check", s.handleRuntimeCheck)

	if s.health != nil {
		mux.Handle("GET /health", s.health.Handler())
	} else {
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	if s.admin != nil {
		mux.Handle("/admin/api/", s.admin.Routes())
	}

	var handler http.Handler = mux
	handler = corsMiddleware(s.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within shutdownTimeout.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
