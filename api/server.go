// Package api exposes the session engine over HTTP.
//
// Endpoints:
//
//	GET    /health                      liveness probe
//	GET    /ready                       readiness probe (provider configured)
//	GET    /api/sessions                list sessions
//	POST   /api/sessions                create session
//	GET    /api/sessions/{id}           conversation snapshot and status
//	DELETE /api/sessions/{id}           clear and remove session
//	POST   /api/sessions/{id}/messages  send user text (SSE stream)
//	POST   /api/sessions/{id}/retry     manual retry (SSE stream)
//	POST   /api/sessions/{id}/context   inject external content
//
// File structure:
//   - server.go:     HTTP server setup and lifecycle
//   - middleware.go:  logging and panic recovery
//   - response.go:   JSON response helpers
//   - health.go:     health endpoints
//   - session.go:    session endpoints, including SSE streaming
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/lexchat/lexchat/internal/chat"
	"github.com/lexchat/lexchat/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against Slowloris-style slow headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout must cover a full streamed generation call.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout = 2 * time.Minute
)

// Server is the HTTP server over the session manager.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health  *HealthHandler
	session *SessionHandler
}

// NewServer creates a server with all routes registered.
func NewServer(manager *chat.Manager, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(manager, logger),
		session: NewSessionHandler(manager, logger),
	}

	s.health.RegisterRoutes(mux)
	s.session.RegisterRoutes(mux)

	return s
}

// Handler returns the handler with middleware applied.
// Order: recovery → logging → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
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
