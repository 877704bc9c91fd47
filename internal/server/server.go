// Package server runs the controllers behind HTTP for deployments that
// receive SNS pushes and custom resource requests directly.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/libops/budget-watch/internal/app"
	"github.com/libops/budget-watch/internal/config"
)

// Webhook pacing. Budget alerts and lifecycle events arrive rarely, so
// anything faster is a retry storm or abuse.
const (
	defaultRequestRate  = 5
	defaultRequestBurst = 10
)

// Server represents the HTTP server with all its dependencies.
type Server struct {
	config     *config.Config
	app        *app.App
	httpServer *http.Server
	handler    *Handler
}

// New creates a new Server instance over an initialized App.
func New(cfg *config.Config, a *app.App) *Server {
	handler := NewHandler(Dependencies{
		Suspender:   a.Suspender,
		Resetter:    a.Resetter,
		TopicARN:    cfg.SNSTopicARN,
		RateLimit:   defaultRequestRate,
		RateBurst:   defaultRequestBurst,
		AfterInvoke: a.Flush,
		CFNSecret:   cfg.CFNSharedSecret,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		config:     cfg,
		app:        a,
		httpServer: httpServer,
		handler:    handler,
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("Starting budget watch", "addr", s.httpServer.Addr, "stack", s.config.StackName)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight resets so their
// acknowledgments are still sent, then releases the app.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Starting graceful shutdown")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		return fmt.Errorf("could not stop server gracefully: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for in-flight resets")
	}

	if err := s.app.Close(); err != nil {
		return fmt.Errorf("error closing app: %w", err)
	}

	slog.Info("Server stopped gracefully")
	return nil
}

// inflight tracks background work started by handlers.
type inflight struct {
	wg sync.WaitGroup
}

func (f *inflight) Go(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}
