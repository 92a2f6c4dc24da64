package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// EventSource supplies the normalized, deduplicated event list for one
// polling cycle. Implementations own all provider I/O (fetching, parsing,
// recurrence expansion); the engine never performs network calls.
//
// The returned events must be idempotent across cycles for the same ID
// (stable identity). The future side is bounded by now+horizon; the past
// side deliberately reaches back so recently started events stay visible
// and checkpoints missed while the process was down can still be
// dispatched. The engine's own window check decides eligibility.
type EventSource interface {
	Upcoming(ctx context.Context, now time.Time, horizon time.Duration) ([]Event, error)
}

// DispatchSink performs delivery of one action (e.g. a chat message with a
// confirmation control) and reports the outcome. Failures are returned as
// an outcome, not an error; an error is reserved for programming mistakes.
type DispatchSink interface {
	Dispatch(ctx context.Context, action Action) DeliveryOutcome
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the
// service. *slog.Logger is adapted to it in cmd/notifier.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}
