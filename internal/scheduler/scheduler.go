package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"calwatch/internal/types"
)

// Scheduler registers the periodic jobs on a cron runner. Jobs that
// overlap their own schedule are skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger types.Logger
}

// New creates a Scheduler with the cycle and retention jobs registered on
// their cron specs.
func New(cycleSpec, cleanupSpec string, runner *CycleRunner, retention *RetentionJob, logger types.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))

	if _, err := c.AddFunc(cycleSpec, func() {
		_ = runner.RunCycle(context.Background())
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cleanupSpec, func() {
		_ = retention.Run(context.Background())
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins running the schedule in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop stops the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts types.Logger to the cron.Logger interface.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"error", err.Error()}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
