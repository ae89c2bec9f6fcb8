package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// TickTimeout bounds a single tick. Zero means unbounded.
	TickTimeout time.Duration
	// ShutdownGrace is how long an in-flight tick may keep running after Run's
	// context is cancelled.
	ShutdownGrace time.Duration
}

// Scheduler drives non-overlapping execution of polling ticks.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick once per interval until ctx is cancelled. Ticks
// never overlap: a tick that overruns its slot pushes the next one to the
// following interval boundary.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			skipped := next
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
			s.logger.Warn().Time("missed", skipped).Time("next", next).Msg("tick overran interval, realigning")
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		at := s.bucketStart(next)
		s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")

		tickCtx, release := s.tickContext(ctx)
		err := tick(tickCtx, at)
		release()
		if err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		next = next.Add(s.opts.Interval)
	}
}

// tickContext detaches a tick from parent cancellation so shutdown can grant
// the in-flight tick ShutdownGrace before cancelling it.
func (s *Scheduler) tickContext(parent context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(parent)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.opts.TickTimeout > 0 {
		ctx, cancel = context.WithTimeout(base, s.opts.TickTimeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}

	grace := s.opts.ShutdownGrace
	stop := context.AfterFunc(parent, func() {
		if grace <= 0 {
			cancel()
			return
		}
		s.logger.Info().Dur("grace", grace).Msg("shutdown requested, waiting for in-flight tick")
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.logger.Warn().Msg("shutdown grace elapsed, cancelling tick")
			cancel()
		case <-ctx.Done():
		}
	})

	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
