// Package scheduler drives the periodic jobs of calwatch: the
// poll-and-notify cycle and the stale-state retention job, both registered
// on a cron schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/types"
)

// cycleTimeout bounds one full cycle (feed fetch, decision, delivery).
const cycleTimeout = 90 * time.Second

// cycler is the decision engine surface the runner drives.
type cycler interface {
	Cycle(ctx context.Context, events []types.Event) (types.CycleReport, error)
}

// CycleRunner executes one poll-and-notify cycle: pull the merged event
// list from the calendar source and hand it to the engine.
type CycleRunner struct {
	source    types.EventSource
	engine    cycler
	lookahead time.Duration
	clock     types.Clock
	logger    types.Logger
}

// NewCycleRunner creates a runner. lookahead is passed through to the
// source as the fetch horizon; it should match the engine's notification
// window.
func NewCycleRunner(source types.EventSource, engine cycler, lookahead time.Duration, clock types.Clock, logger types.Logger) *CycleRunner {
	return &CycleRunner{
		source:    source,
		engine:    engine,
		lookahead: lookahead,
		clock:     clock,
		logger:    logger,
	}
}

// RunCycle performs one cycle. Each run is tagged with a cycle ID that
// flows through logging and outbound requests.
func (r *CycleRunner) RunCycle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	cycleID := uuid.NewString()
	ctx = types.WithCycleID(ctx, cycleID)
	logger := r.logger.With("cycle_id", cycleID)

	started := r.clock.Now()

	events, err := r.source.Upcoming(ctx, started, r.lookahead)
	if err != nil {
		logger.Error("cycle aborted: calendar fetch failed", "error", err.Error())
		return err
	}

	report, err := r.engine.Cycle(ctx, events)
	if err != nil {
		logger.Error("cycle failed", "error", err.Error())
		return err
	}

	logger.Info("cycle completed",
		"events", len(events),
		"considered", report.Considered,
		"skipped", report.Skipped,
		"confirmed", report.Confirmed,
		"dispatched", report.Dispatched,
		"suppressed", report.Suppressed,
		"failed", report.Failed,
		"duration_ms", r.clock.Now().Sub(started).Milliseconds(),
	)
	return nil
}
