package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	perr "umbra/internal/errors"
)

// IdleDetector reports whether the host is idle enough for a run
type IdleDetector interface {
	Idle(now time.Time) bool
}

// ActivitySource reports when the last observation arrived
type ActivitySource interface {
	LastActivity() time.Time
}

// ActivityIdleDetector treats the host as idle once no observation arrived
// for IdleAfter
type ActivityIdleDetector struct {
	Source    ActivitySource
	IdleAfter time.Duration
}

// Idle implements IdleDetector
func (d ActivityIdleDetector) Idle(now time.Time) bool {
	last := d.Source.LastActivity()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= d.IdleAfter
}

// Backpressure vetoes runs while the host is under pressure
type Backpressure interface {
	ShouldAbort(ctx context.Context) bool
}

// Scheduler polls the idle detector and fires the trigger when the host is
// idle and the interval gate is open
type Scheduler struct {
	trigger  Trigger
	idle     IdleDetector
	pressure Backpressure
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithBackpressure skips ticks while b reports pressure
func WithBackpressure(b Backpressure) SchedulerOption {
	return func(s *Scheduler) { s.pressure = b }
}

// WithSchedulerClock replaces time.Now
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l.With().Str("component", "scheduler").Logger() }
}

// NewScheduler creates a scheduler polling every interval
func NewScheduler(trigger Trigger, idle IdleDetector, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Scheduler{
		trigger:  trigger,
		idle:     idle,
		interval: interval,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling decision and reports whether a run was attempted
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.idle.Idle(s.now()) {
		return false
	}
	if wait := s.trigger.TimeUntilNextRun(); wait > 0 {
		s.log.Debug().Dur("wait", wait).Msg("interval gate closed")
		return false
	}
	if s.pressure != nil && s.pressure.ShouldAbort(ctx) {
		s.log.Debug().Msg("host under pressure, run deferred")
		return false
	}

	report, err := s.trigger.RunNow(ctx)
	switch {
	case err == nil && report == nil:
	case err == nil:
		s.log.Info().Str("report", report.ID).Int("signatures", len(report.Signatures)).Msg("scheduled synthesis finished")
	case perr.IsCode(err, perr.ErrorCodeBusy), perr.IsCode(err, perr.ErrorCodeTooSoon):
		s.log.Debug().Err(err).Msg("scheduled synthesis skipped")
	case perr.IsCode(err, perr.ErrorCodeThermalEmergency):
		s.log.Warn().Err(err).Msg("scheduled synthesis stopped by thermal controller")
	default:
		s.log.Error().Err(err).Msg("scheduled synthesis failed")
	}
	return true
}
