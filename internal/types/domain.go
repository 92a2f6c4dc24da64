// Package types defines the core domain model for the calwatch service:
// normalized calendar events, the persisted notification and confirmation
// records, and the contracts between the scheduling engine and its
// collaborators (event source, dispatch sink, state store).
//
// The package is intentionally dependency-free so that every other package
// can import it without cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is a normalized calendar event as produced by the event source.
// All timestamps are UTC. Events reaching the engine have already been
// validated and deduplicated across the configured calendars.
type Event struct {
	// ID is the provider-assigned identifier, stable across polling cycles
	// for the same event instance. Providers may reuse an ID when an event
	// is rescheduled, which is why persisted state is keyed by Key().
	ID          string
	CalendarKey string
	Title       string
	StartTime   time.Time
	EndTime     time.Time
}

// Key returns the identity under which all persisted state for this event
// is stored. The start time is part of the key so that a rescheduled event
// (same provider ID, new start) is treated as a new logical event whose
// confirmation must be re-established.
func (e Event) Key() EventKey {
	return EventKey{ID: e.ID, Start: e.StartTime.UTC().Truncate(time.Second)}
}

// Validate checks the invariants the engine relies on. Malformed events
// are rejected at the source boundary and never reach the core.
func (e Event) Validate() error {
	if e.ID == "" {
		return NewAppError(ErrCodeValidationMissingField, "event is missing an id", nil)
	}
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return NewAppError(ErrCodeValidationInvalidEvent, "event has missing timestamps", nil)
	}
	if !e.StartTime.Before(e.EndTime) {
		return NewAppError(ErrCodeValidationInvalidEvent,
			fmt.Sprintf("event start %s is not before end %s", e.StartTime.Format(time.RFC3339), e.EndTime.Format(time.RFC3339)), nil)
	}
	return nil
}

// EventKey is the dedup identity: provider ID plus start-time fingerprint.
type EventKey struct {
	ID    string
	Start time.Time
}

// String encodes the key as "<id>@<unix-start>". The encoding is stable and
// safe to embed in callback data and URL paths (event IDs never contain '@'
// followed by a trailing integer in any provider we consume; ParseEventKey
// splits on the last '@').
func (k EventKey) String() string {
	return k.ID + "@" + strconv.FormatInt(k.Start.UTC().Unix(), 10)
}

// ParseEventKey decodes a key produced by String.
func ParseEventKey(s string) (EventKey, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return EventKey{}, NewAppError(ErrCodeValidationInvalidKey, "malformed event key: "+s, nil)
	}
	unix, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return EventKey{}, NewAppError(ErrCodeValidationInvalidKey, "malformed event key timestamp: "+s, err)
	}
	return EventKey{ID: s[:i], Start: time.Unix(unix, 0).UTC()}, nil
}

// NotificationRecord tracks delivery state for one (event, checkpoint)
// pair. The pair is the unit of the at-most-once delivery guarantee: a
// record whose Status is RecordSent is terminal and is never dispatched
// again, and the pending -> sent transition is a compare-and-set at the
// persistence layer.
type NotificationRecord struct {
	Key        EventKey
	Checkpoint int // seconds before start; 0 means "at/after start"

	Status  RecordStatus
	Outcome DeliveryOutcome

	// SentAt is zero until the delivery succeeds. The dispatch sink derives
	// confirmation-control expiry from it (now - SentAt > TTL).
	SentAt   time.Time
	Attempts int

	// SuppressReason records why a suppressed checkpoint was never
	// delivered, keeping the audit trail honest.
	SuppressReason SuppressReason

	// EventEnd is a snapshot of the event's end time taken when the record
	// is created, used by the stale predicate for retention.
	EventEnd  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stale reports whether the record's event has fully elapsed (past its end
// time plus the grace margin) and is eligible for garbage collection by the
// retention job.
func (r NotificationRecord) Stale(now time.Time, grace time.Duration) bool {
	end := r.EventEnd
	if end.IsZero() {
		end = r.Key.Start
	}
	return now.After(end.Add(grace))
}

// ConfirmationRecord marks an event instance as confirmed by a human.
// Once written it is never cleared for that instance; a rescheduled event
// carries a different EventKey and starts unconfirmed.
type ConfirmationRecord struct {
	Key         EventKey
	ConfirmedAt time.Time
	ConfirmedBy string
}

// Action is one dispatch decision produced by the engine for the sink.
// It carries everything the sink needs to render the notification and its
// confirmation control.
type Action struct {
	Event      Event
	Checkpoint int
	TTL        time.Duration
}

// ConfirmResult is returned by the engine's confirmation entry point.
type ConfirmResult struct {
	Status ConfirmStatus
	Record *ConfirmationRecord
}

// CycleReport summarizes one engine cycle for logging and tests.
type CycleReport struct {
	Considered int
	Skipped    int // outside lookahead window
	Confirmed  int // skipped because already confirmed
	Dispatched int
	Suppressed int
	Failed     int
}
