package engine

import (
	"context"
	"fmt"
	"time"

	"calwatch/internal/types"
)

// StateStore is the minimal persistence contract the engine requires: a
// key-value style mapping from (event key, checkpoint) to delivery status
// and from event key to confirmation status. It is a subset of what
// internal/db implements, kept narrow so the engine is testable with
// lightweight in-memory fakes.
//
// Concurrency: EnsurePending must be an atomic insert-if-absent and
// MarkSent an atomic compare-and-set on the record status. These two are
// the only places true concurrency safety is required; two overlapping
// cycles could otherwise both observe "not yet sent" and both dispatch.
type StateStore interface {
	// Confirmation returns the confirmation record for the key, or nil if
	// the event is unconfirmed.
	Confirmation(ctx context.Context, key types.EventKey) (*types.ConfirmationRecord, error)

	// Records returns all notification records for the key, keyed by
	// checkpoint. Absent checkpoints have no entry.
	Records(ctx context.Context, key types.EventKey) (map[int]*types.NotificationRecord, error)

	// EnsurePending performs an idempotent insert of a pending record for
	// (key, checkpoint). Returns the stored record and whether it was
	// newly created.
	EnsurePending(ctx context.Context, key types.EventKey, checkpoint int, eventEnd, now time.Time) (*types.NotificationRecord, bool, error)

	// MarkSent transitions (key, checkpoint) from pending to sent with a
	// compare-and-set. Returns false when the record was already sent or
	// suppressed by a concurrent writer; the caller must treat false as
	// "someone else delivered" and do nothing.
	MarkSent(ctx context.Context, key types.EventKey, checkpoint int, at time.Time) (bool, error)

	// RecordOutcome stores a non-success delivery outcome on a pending
	// record, leaving it eligible for retry on the next cycle.
	RecordOutcome(ctx context.Context, key types.EventKey, checkpoint int, outcome types.DeliveryOutcome, at time.Time) error

	// Suppress upserts (key, checkpoint) into the suppressed state unless
	// it was already sent. Suppressed records are recorded, never delivered.
	Suppress(ctx context.Context, key types.EventKey, checkpoint int, reason types.SuppressReason, eventEnd, at time.Time) error

	// SeenEvent reports whether any notification record exists for the key.
	SeenEvent(ctx context.Context, key types.EventKey) (bool, error)

	// Confirm atomically inserts the confirmation record if absent and
	// suppresses all outstanding pending checkpoints for the key in the
	// same transaction. When a confirmation already exists, the stored
	// record is returned with created=false and no side effects occur.
	Confirm(ctx context.Context, rec *types.ConfirmationRecord) (*types.ConfirmationRecord, bool, error)
}

// Engine is the deduplication and confirmation engine. One instance serves
// the whole process; all state lives in the StateStore.
type Engine struct {
	cfg    Config
	store  StateStore
	sink   types.DispatchSink
	clock  types.Clock
	logger types.Logger
}

// New constructs an Engine. The config is validated eagerly; a bad
// checkpoint set is a deployment error, not something to discover at 3am
// when the first cycle runs.
func New(cfg Config, store StateStore, sink types.DispatchSink, clock types.Clock, logger types.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		clock:  clock,
		logger: logger,
	}, nil
}

// Cycle runs the per-cycle decision algorithm over the event set supplied
// by the source. For each event it:
//
//  1. skips events outside the lookahead window,
//  2. skips confirmed events entirely,
//  3. computes the due checkpoint set and filters out terminal records,
//  4. dispatches only the checkpoint closest to now (flood control),
//     recording the earlier skipped ones as suppressed,
//  5. feeds the sink's outcome back into the store: success marks sent
//     (CAS), failure and timeout leave the record retryable.
//
// A persistence failure on one event aborts the cycle with an error; writes
// are per-record atomic, so already-committed records remain valid and the
// next scheduled cycle resumes cleanly.
func (e *Engine) Cycle(ctx context.Context, events []types.Event) (types.CycleReport, error) {
	now := e.clock.Now()
	var report types.CycleReport

	for _, ev := range events {
		report.Considered++

		if !InWindow(now, ev.StartTime, e.cfg.Lookahead) {
			report.Skipped++
			continue
		}

		dispatched, suppressed, failed, err := e.evaluateEvent(ctx, now, ev)
		if err != nil {
			return report, fmt.Errorf("Cycle: event %s: %w", ev.Key(), err)
		}
		if dispatched == 0 && suppressed == 0 && failed == 0 {
			// Either nothing was due or the event is confirmed; only the
			// confirmed case is worth counting separately.
			if conf, cerr := e.store.Confirmation(ctx, ev.Key()); cerr == nil && conf != nil {
				report.Confirmed++
			}
			continue
		}
		report.Dispatched += dispatched
		report.Suppressed += suppressed
		report.Failed += failed
	}

	e.logger.Info("cycle complete",
		"considered", report.Considered,
		"dispatched", report.Dispatched,
		"suppressed", report.Suppressed,
		"failed", report.Failed,
	)

	return report, nil
}

// evaluateEvent applies steps 2-5 of the decision algorithm to one event.
func (e *Engine) evaluateEvent(ctx context.Context, now time.Time, ev types.Event) (dispatched, suppressed, failed int, err error) {
	key := ev.Key()

	conf, err := e.store.Confirmation(ctx, key)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading confirmation: %w", err)
	}
	if conf != nil {
		// Terminal for this event instance: no further notifications,
		// regardless of remaining checkpoints.
		return 0, 0, 0, nil
	}

	due := DueCheckpoints(now, ev.StartTime, e.cfg.Checkpoints)
	if len(due) == 0 {
		return 0, 0, 0, nil
	}

	records, err := e.store.Records(ctx, key)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading records: %w", err)
	}

	// Candidates: due checkpoints whose record is absent or still
	// retryable. Sent and suppressed are terminal.
	var candidates []int
	for _, cp := range due {
		if rec, ok := records[cp]; ok && rec.Status != types.RecordPending {
			continue
		}
		candidates = append(candidates, cp)
	}
	if len(candidates) == 0 {
		return 0, 0, 0, nil
	}

	// Flood control: dispatch only the checkpoint closest to now, i.e. the
	// smallest remaining lead time. DueCheckpoints preserves descending
	// order, so that is the last candidate.
	target := candidates[len(candidates)-1]
	for _, cp := range candidates[:len(candidates)-1] {
		reason := types.SuppressFloodControl
		if now.After(ev.StartTime) && cp > 0 {
			reason = types.SuppressSuperseded
		}
		if serr := e.store.Suppress(ctx, key, cp, reason, ev.EndTime, now); serr != nil {
			return dispatched, suppressed, failed, fmt.Errorf("suppressing checkpoint %d: %w", cp, serr)
		}
		suppressed++
	}

	rec, _, err := e.store.EnsurePending(ctx, key, target, ev.EndTime, now)
	if err != nil {
		return dispatched, suppressed, failed, fmt.Errorf("ensuring pending record: %w", err)
	}
	if rec.Status != types.RecordPending {
		// A concurrent cycle already settled this checkpoint.
		return dispatched, suppressed, failed, nil
	}

	outcome := e.sink.Dispatch(ctx, types.Action{
		Event:      ev,
		Checkpoint: target,
		TTL:        e.cfg.ConfirmTTL,
	})

	switch outcome {
	case types.OutcomeSuccess:
		ok, merr := e.store.MarkSent(ctx, key, target, now)
		if merr != nil {
			return dispatched, suppressed, failed, fmt.Errorf("marking sent: %w", merr)
		}
		if !ok {
			// Lost the CAS to an overlapping cycle. The message went out
			// twice within the race window, which is the accepted degraded
			// outcome; the record stays sent exactly once.
			e.logger.Warn("duplicate dispatch detected by CAS",
				"event_key", key.String(),
				"checkpoint", target,
			)
			return dispatched, suppressed, failed, nil
		}
		dispatched++
	default:
		// failed or timed_out: record and leave retryable. Flood control
		// still caps this checkpoint to one attempt per cycle.
		if rerr := e.store.RecordOutcome(ctx, key, target, outcome, now); rerr != nil {
			return dispatched, suppressed, failed, fmt.Errorf("recording outcome: %w", rerr)
		}
		failed++
		e.logger.Warn("delivery attempt did not succeed",
			"event_key", key.String(),
			"checkpoint", target,
			"outcome", string(outcome),
		)
	}

	return dispatched, suppressed, failed, nil
}
