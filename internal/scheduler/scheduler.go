// Package scheduler runs a job on a fixed interval until its context ends.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Job is invoked once per interval with the slot it was scheduled for.
type Job func(ctx context.Context, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name     string
	Interval time.Duration
	// Align snaps runs to multiples of Interval since the epoch.
	Align        bool
	StartupDelay time.Duration
	// RunAtStart runs the job once right after the startup delay.
	RunAtStart bool
}

// Stats counts job outcomes since Run started.
type Stats struct {
	Runs                int
	Failures            int
	ConsecutiveFailures int
}

// Scheduler drives periodic execution of one job. Runs never overlap: a job
// that outlasts its interval delays the next slot.
type Scheduler struct {
	opts   Options
	stats  Stats
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
		now:    time.Now,
	}, nil
}

// Stats returns the counters. Call it after Run returns.
func (s *Scheduler) Stats() Stats {
	return s.stats
}

// Run blocks, invoking job every interval until ctx is cancelled. Job errors
// are logged and counted, never returned.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunAtStart {
		s.execute(ctx, job, s.now().UTC())
	}

	next := s.nextSlot(s.now().UTC())
	for {
		now := s.now().UTC()
		if next.Before(now) {
			skipped := int(now.Sub(next) / s.opts.Interval)
			if skipped > 0 {
				s.logger.Warn().Int("skipped", skipped).Msg("job overran its interval")
			}
			next = s.nextSlot(now)
		}

		s.logger.Debug().Time("next_run", next).Msg("waiting for next slot")
		if err := sleep(ctx, next.Sub(now)); err != nil {
			return err
		}

		s.execute(ctx, job, next)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job, slot time.Time) {
	s.stats.Runs++
	start := s.now()
	if err := job(ctx, slot); err != nil {
		s.stats.Failures++
		s.stats.ConsecutiveFailures++
		s.logger.Error().
			Err(err).
			Time("slot", slot).
			Int("consecutive_failures", s.stats.ConsecutiveFailures).
			Msg("scheduled run failed")
		return
	}
	s.stats.ConsecutiveFailures = 0
	s.logger.Debug().Time("slot", slot).Dur("elapsed", s.now().Sub(start)).Msg("scheduled run finished")
}

func (s *Scheduler) nextSlot(now time.Time) time.Time {
	if !s.opts.Align {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
