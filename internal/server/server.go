// Package server assembles the gateway from configuration and serves the
// HTTP surface: inference, health and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Davincible/tensorgate/internal/config"
	"github.com/Davincible/tensorgate/internal/handlers"
	"github.com/Davincible/tensorgate/internal/middleware"
)

type Server struct {
	config *config.Manager
	app    *App
	logger *slog.Logger
	server *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	app, err := Bootstrap(configManager, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		config: configManager,
		app:    app,
		logger: logger,
	}, nil
}

// App exposes the assembled components, mainly for tests.
func (s *Server) App() *App { return s.app }

func (s *Server) Start() error {
	cfg := s.app.Config
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mux := s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.logger.Info("Starting server", "address", addr)

	errs := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		s.app.Close()
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.app.Close()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	// Flush pending traces after in-flight requests drain.
	s.app.Close()

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.app.Close()
	return err
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	inferenceHandler := handlers.NewInferenceHandler(s.app.Executor, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/metrics", middlewareSet.HealthChain().Handler(promhttp.Handler()))
	mux.Handle("/v1/inference", middlewareSet.DefaultChain().Handler(inferenceHandler))

	return mux
}
