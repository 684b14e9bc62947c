// Package admin serves the HTTP status surface of the relay.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// NewRouter registers the admin routes
func NewRouter(handlers *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", handlers.handleRoot)
	r.Get("/healthz", handlers.handleHealth)
	r.With(AuthMiddleware).Get("/status", handlers.handleStatus)

	// nil unless Prometheus is enabled
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not found")
	})
	return r
}

// Server is the admin HTTP server
type Server struct {
	srv *http.Server
}

// NewServer creates a server for handler on the configured address
func NewServer(handler http.Handler) *Server {
	addr := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve listens until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", s.srv.Addr).Msg("Admin HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	log.Info().Msg("Admin HTTP server stopped")
	return nil
}
