package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

// Server runs the HTTP listener until its context ends and then drains
// in-flight requests.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	observer        core.Observer
}

func NewServer(cfg core.HTTPConfig, handler http.Handler, observer core.Observer) *Server {
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 20 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: shutdown,
		observer:        observer,
	}
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.observer.Info(ctx, "http server listening", map[string]any{"addr": s.httpServer.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("httpapi: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.observer.Info(shutdownCtx, "http server shutting down", nil)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}
