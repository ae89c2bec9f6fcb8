package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInvokesTickUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		if ticks.Add(1) == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), ticks.Load())
}

func TestTicksNeverOverlap(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var running, maxRunning, ticks atomic.Int32
	_ = s.Run(ctx, func(context.Context, time.Time) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		ticks.Add(1)
		time.Sleep(12 * time.Millisecond)
		return errors.New("still logged, loop continues")
	})

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.GreaterOrEqual(t, ticks.Load(), int32(2))
}

func TestShutdownGraceLetsTickFinish(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, ShutdownGrace: 200 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var finished atomic.Bool
	err := s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		cancel()
		select {
		case <-tickCtx.Done():
			return tickCtx.Err()
		case <-time.After(20 * time.Millisecond):
			finished.Store(true)
			return nil
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, finished.Load(), "tick should complete inside the grace period")
}

func TestShutdownGraceExpiresCancelsTick(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, ShutdownGrace: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var tickErr error
	_ = s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		cancel()
		select {
		case <-tickCtx.Done():
			tickErr = tickCtx.Err()
		case <-time.After(2 * time.Second):
		}
		return nil
	})
	assert.ErrorIs(t, tickErr, context.Canceled)
}

func TestTickTimeout(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, TickTimeout: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var tickErr error
	_ = s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		defer cancel()
		<-tickCtx.Done()
		tickErr = tickCtx.Err()
		return nil
	})
	assert.ErrorIs(t, tickErr, context.DeadlineExceeded)
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Second, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 0, 7, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 10, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 15, 0, time.UTC), s.nextTick(time.Date(2024, 1, 1, 10, 0, 10, 0, time.UTC)))
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	require.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
