package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"otsentry/internal/config"
)

// Server is the echo HTTP server exposing the API, metrics and /ws.
type Server struct {
	echo            *echo.Echo
	http            *http.Server
	shutdownTimeout time.Duration
	logger          zerolog.Logger
}

// NewServer builds the echo instance with middleware and routes registered.
func NewServer(cfg config.HTTPConfig, deps Dependencies, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "http").Logger()
	deps.Logger = logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	SetupMiddleware(e, logger)
	RegisterRoutes(e, NewHandlers(deps))

	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	return &Server{
		echo: e,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      e,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		shutdownTimeout: shutdown,
		logger:          logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("http server listening")
		errCh <- s.http.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
