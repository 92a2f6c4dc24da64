package types

// RecordStatus is the per-checkpoint delivery state. The implicit "not due"
// state has no record at all; a record is created the first time a
// checkpoint becomes due.
// These values MUST match the CHECK constraint on notification_records.
type RecordStatus string

const (
	// RecordPending means the checkpoint is due and delivery has not
	// succeeded yet. Pending records are retried on later cycles.
	RecordPending RecordStatus = "pending"

	// RecordSent is terminal: delivery succeeded exactly once.
	RecordSent RecordStatus = "sent"

	// RecordSuppressed is terminal: the checkpoint was recorded but must
	// never be delivered (flood control, confirmation, or overtaken by time).
	RecordSuppressed RecordStatus = "suppressed"
)

// DeliveryOutcome is the sink-reported result of the latest delivery attempt.
type DeliveryOutcome string

const (
	OutcomePending  DeliveryOutcome = "pending"
	OutcomeSuccess  DeliveryOutcome = "success"
	OutcomeFailed   DeliveryOutcome = "failed"
	OutcomeTimedOut DeliveryOutcome = "timed_out"
)

// Retryable reports whether the outcome leaves the record eligible for
// another delivery attempt. Unknown/timed-out is treated as "not sent"
// (safe to retry).
func (o DeliveryOutcome) Retryable() bool {
	return o == OutcomePending || o == OutcomeFailed || o == OutcomeTimedOut
}

// SuppressReason records why a checkpoint was suppressed instead of sent.
type SuppressReason string

const (
	// SuppressFloodControl: a closer checkpoint was dispatched in the same
	// cycle, so this one is collapsed to bound messages to one per cycle.
	SuppressFloodControl SuppressReason = "flood_control"

	// SuppressConfirmed: the event was confirmed before this checkpoint
	// could be delivered.
	SuppressConfirmed SuppressReason = "confirmed"

	// SuppressSuperseded: the event already started and this pre-start
	// checkpoint was skipped by a missed cycle ("superseded by time").
	SuppressSuperseded SuppressReason = "superseded_by_time"
)

// ConfirmStatus is the outcome of a confirmation request.
type ConfirmStatus string

const (
	ConfirmedNew     ConfirmStatus = "confirmed"
	ConfirmedAlready ConfirmStatus = "already_confirmed"
	ConfirmRejected  ConfirmStatus = "rejected_unknown"
)
