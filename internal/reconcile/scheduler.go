package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// Sweeper runs one reconciliation sweep.
type Sweeper interface {
	Handle(ctx context.Context) (*domain.SweepResult, error)
}

// Scheduler triggers sweeps on a cron schedule. Overlapping runs are
// skipped, and a panicking sweep is recovered and logged.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler registers the sweep under spec, a standard five-field cron
// expression or a descriptor such as "@every 5m".
func NewScheduler(sweeper Sweeper, spec string, timeout time.Duration) (*Scheduler, error) {
	l := cronLogger{log: logger.Logger.With().Str("component", "scheduler").Logger()}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	s := &Scheduler{cron: c, sweeper: sweeper, timeout: timeout}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("failed to register sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info(s.ctx).Int("jobs", len(s.cron.Entries())).Msg("Sweep scheduler started")
}

// Stop stops scheduling and waits for a running sweep up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.sweeper.Handle(ctx)
	if err != nil {
		logger.Error(ctx).Err(err).Msg("Scheduled sweep failed")
		return
	}
	logger.Info(ctx).
		Int("processed", result.Processed).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Float64("duration_seconds", result.DurationSeconds).
		Msg("Scheduled sweep finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
