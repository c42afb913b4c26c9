package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune loop behaviour.
type Options struct {
	Interval time.Duration
	// Eager fires the first tick immediately instead of waiting one interval.
	Eager        bool
	StartupDelay time.Duration
}

// Loop drives periodic execution of background jobs. Tick errors are logged
// and the loop continues; only context cancellation stops it.
type Loop struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Loop instance.
func New(opts Options, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		timer := time.NewTimer(l.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if l.opts.Eager {
		l.fire(ctx, tick, time.Now().UTC())
	}

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			l.fire(ctx, tick, now.UTC())
		}
	}
}

func (l *Loop) fire(ctx context.Context, tick TickFunc, now time.Time) {
	if err := tick(ctx, now); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
	}
}
