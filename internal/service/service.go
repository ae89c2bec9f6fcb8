package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"otsentry/internal/broadcast"
	"otsentry/internal/scheduler"
)

// Ticker is the per-interval unit of work, normally a *poller.Poller.
type Ticker interface {
	Tick(ctx context.Context, at time.Time) error
}

// Runner is a long-lived companion of the polling loop, such as the HTTP
// server or the MQTT bridge. Run must return once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Service orchestrates the polling loop and its companions.
type Service struct {
	scheduler *scheduler.Scheduler
	ticker    Ticker
	hub       *broadcast.Hub
	runners   map[string]Runner
	logger    zerolog.Logger
}

// New constructs the monitoring service. hub may be nil.
func New(sched *scheduler.Scheduler, ticker Ticker, hub *broadcast.Hub, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		ticker:    ticker,
		hub:       hub,
		runners:   make(map[string]Runner),
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Attach adds a named companion that runs alongside the polling loop.
func (s *Service) Attach(name string, runner Runner) {
	s.runners[name] = runner
}

// Run drives the polling loop until ctx is cancelled or any companion fails.
// The hub is closed once everything has stopped so websocket clients disconnect.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil || s.ticker == nil {
		return fmt.Errorf("scheduler not configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(gctx, s.ticker.Tick)
	})
	for name, runner := range s.runners {
		g.Go(func() error {
			s.logger.Info().Str("runner", name).Msg("starting")
			if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			s.logger.Info().Str("runner", name).Msg("stopped")
			return nil
		})
	}

	err := g.Wait()
	if s.hub != nil {
		s.hub.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
