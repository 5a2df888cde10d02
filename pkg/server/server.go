// Package server assembles the proxy's HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/JiHyuk-Byun/agent-infra/pkg/admin"
	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
	"github.com/JiHyuk-Byun/agent-infra/pkg/proxy"
	"github.com/JiHyuk-Byun/agent-infra/pkg/proxy/middleware"
)

// shutdownTimeout bounds graceful shutdown; in-flight requests past it are
// dropped.
const shutdownTimeout = 30 * time.Second

// BindError indicates the listen socket could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Server is the proxy's HTTP server: OpenAI-compatible ingress, admin
// surface, health, and metrics on one port.
type Server struct {
	cfg        *config.ProxyConfig
	registry   *backend.Registry
	forwarder  *proxy.Forwarder
	admin      *admin.Handler
	metricsURL string
	metrics    http.Handler

	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.Mutex
	isRunning    bool
}

// NewServer creates the server. metricsHandler may be nil to disable the
// metrics endpoint.
func NewServer(
	cfg *config.ProxyConfig,
	registry *backend.Registry,
	forwarder *proxy.Forwarder,
	adminHandler *admin.Handler,
	metricsPath string,
	metricsHandler http.Handler,
) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		forwarder:  forwarder,
		admin:      adminHandler,
		metricsURL: metricsPath,
		metrics:    metricsHandler,
	}
}

// Start binds the listen socket and serves until the context is
// cancelled. A failure to bind is reported as a BindError.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	addr := fmt.Sprintf(":%d", s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return &BindError{Addr: addr, Err: err}
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.setupRoutes(),
		// Streaming responses run as long as the request deadline allows;
		// only header reads get a server-level timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("proxy server listening",
			"addr", addr,
			"strategy", s.cfg.Strategy,
		)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		slog.Info("initiating graceful shutdown", "timeout", shutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		slog.Info("proxy server stopped")
	})

	return shutdownErr
}

// setupRoutes configures the route table and middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible ingress.
	mux.HandleFunc("POST /v1/chat/completions", s.forwarder.HandleCompletions)
	mux.HandleFunc("POST /v1/completions", s.forwarder.HandleCompletions)
	mux.HandleFunc("GET /v1/models", s.forwarder.HandleModels)

	// Path-prefixed routing: /{model}/v1/... selects the pool from the
	// URL instead of the body.
	mux.HandleFunc("POST /{model}/v1/{path...}", s.forwarder.HandleModelCompletions)

	// Index and liveness.
	mux.HandleFunc("GET /{$}", s.forwarder.HandleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Admin surface for the dashboard.
	s.admin.Register(mux)

	// Prometheus metrics.
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsURL, s.metrics)
	}

	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.RequestIDMiddleware(handler)
	handler = middleware.RecoveryMiddleware(handler)
	return handler
}

// handleHealthz reports proxy liveness. The status code is always 200
// while the server is accepting; the body summarizes pool health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthyModels := 0
	models := make(map[string]bool)
	for _, snap := range s.registry.List() {
		if models[snap.Model] {
			continue
		}
		if snap.State == backend.StateHealthy {
			models[snap.Model] = true
			healthyModels++
		}
	}

	status := "healthy"
	if healthyModels == 0 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%q,"healthy_models":%d,"total_models":%d}`+"\n",
		status, healthyModels, len(s.registry.Models()))
}
