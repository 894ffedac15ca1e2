package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval. Errors are logged and the
// loop continues; only context cancellation stops it.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives wall-clock-aligned execution of a periodic job.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	name := opts.Name
	if name == "" {
		name = "scheduler"
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", name).Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx
// is cancelled. A failing tick never terminates the loop.
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

	next := s.NextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// Missed ticks are skipped rather than replayed; realign to now.
			next = s.NextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		tickTime := s.tickStart(next)
		if err := tick(ctx, tickTime); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Time("tick", tickTime).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

// NextTick returns the first tick boundary strictly after now.
func (s *Scheduler) NextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := now.Truncate(s.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
