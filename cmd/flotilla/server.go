package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/flotilla/internal/shell/api"
	"github.com/artpar/flotilla/internal/shell/project"
	"github.com/artpar/flotilla/internal/shell/store"
)

// =============================================================================
// Server
// =============================================================================

// Server serves the control API for the configured project.
type Server struct {
	config     *Config
	session    *session
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server that owns s and closes it on shutdown.
// The project is loaded from the compose files on every request.
func NewServer(s *session) *Server {
	var journal store.Store
	if s.journal != nil {
		journal = s.journal
	}

	handler := api.NewHandler(api.Config{
		Projects: func(ctx context.Context) (*project.Project, error) {
			return s.loadProjectContext(ctx)
		},
		Docker:  s.client,
		Journal: journal,
		Token:   s.cfg.Server.Token,
		Logger:  s.logger,
	})

	return &Server{
		config:  s.cfg,
		session: s,
		httpServer: &http.Server{
			Addr:         s.cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  s.cfg.Server.ReadTimeout,
			WriteTimeout: s.cfg.Server.WriteTimeout,
		},
		logger: s.logger,
	}
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address(),
			"journal", s.session.journal != nil)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.session.Close()
		return withCode(ExitHTTPServerError, err)
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.session.Close()

	s.logger.Info("shutdown complete")
	return nil
}
