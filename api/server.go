// Package api provides the HTTP surface: authentication, the prompt
// catalog, chat session endpoints with dual-mode (SSE or buffered JSON)
// responses, and health probes.
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: logging, recovery, bearer auth
//   - response.go: envelope and error helpers
//   - stream.go: SSE writer with keep-alive heartbeats
//   - chat.go: chat session endpoints
//   - auth.go: registration, login, one-time codes, device sessions
//   - health.go: /health and /ready probes
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/identity"
	"github.com/eduvia/eduvia/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:4000"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to guard against slow-client
	// exhaustion.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server.
//
// WriteTimeout is deliberately unset: SSE responses stay open for the
// lifetime of a model stream and only heartbeats keep them busy.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// NewServer creates a server with all routes registered.
func NewServer(db Pinger, manager *chat.Manager, prompts PromptCatalog, ids *identity.Service, tokens TokenVerifier, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	NewHealthHandler(db, logger).RegisterRoutes(mux)
	NewAuthHandler(ids, tokens, logger).RegisterRoutes(mux)
	NewChatHandler(manager, prompts, tokens, logger).RegisterRoutes(mux)

	return &Server{mux: mux, logger: logger}
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
