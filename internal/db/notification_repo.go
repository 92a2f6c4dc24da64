package db

import (
	"time"

	"context"

	"calwatch/internal/types"
)

// NotificationRecordRepository provides data access for the
// notification_records table: one row per (event key, checkpoint) pair.
type NotificationRecordRepository struct {
	db DBTX
}

// NewNotificationRecordRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewNotificationRecordRepository(db DBTX) *NotificationRecordRepository {
	return &NotificationRecordRepository{db: db}
}

const recordColumns = `event_id, event_start, checkpoint, status, outcome,
	sent_at, attempts, suppress_reason, event_end, created_at, updated_at`

// EnsurePending performs an idempotent insert of a pending record for the
// (key, checkpoint) pair and returns the stored row. created reports
// whether this call inserted it.
func (r *NotificationRecordRepository) EnsurePending(ctx context.Context, key types.EventKey, checkpoint int, eventEnd, now time.Time) (*types.NotificationRecord, bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO notification_records
		 (event_id, event_start, checkpoint, status, outcome, event_end, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', 'pending', $4, $5, $5)
		 ON CONFLICT (event_id, event_start, checkpoint) DO NOTHING`,
		key.ID, key.Start, checkpoint, nilIfZeroTime(eventEnd), now,
	)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert pending record", err)
	}
	created := tag.RowsAffected() == 1

	rec, err := r.get(ctx, key, checkpoint)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// MarkSent transitions the record from pending to sent with a
// compare-and-set. Returns false when the record was not pending (already
// sent or suppressed by a concurrent writer).
func (r *NotificationRecordRepository) MarkSent(ctx context.Context, key types.EventKey, checkpoint int, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_records SET
			status = 'sent',
			outcome = 'success',
			sent_at = $4,
			attempts = attempts + 1,
			updated_at = $4
		 WHERE event_id = $1 AND event_start = $2 AND checkpoint = $3
		   AND status = 'pending'`,
		key.ID, key.Start, checkpoint, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark record sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome stores a non-success delivery outcome on a pending record.
// Sent and suppressed records are left untouched.
func (r *NotificationRecordRepository) RecordOutcome(ctx context.Context, key types.EventKey, checkpoint int, outcome types.DeliveryOutcome, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notification_records SET
			outcome = $4,
			attempts = attempts + 1,
			updated_at = $5
		 WHERE event_id = $1 AND event_start = $2 AND checkpoint = $3
		   AND status = 'pending'`,
		key.ID, key.Start, checkpoint, string(outcome), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery outcome", err)
	}
	return nil
}

// Suppress upserts the (key, checkpoint) pair into the suppressed state.
// A record that was already sent keeps its sent status; the guard on the
// DO UPDATE clause makes the sent state terminal.
func (r *NotificationRecordRepository) Suppress(ctx context.Context, key types.EventKey, checkpoint int, reason types.SuppressReason, eventEnd, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notification_records
		 (event_id, event_start, checkpoint, status, outcome, suppress_reason, event_end, created_at, updated_at)
		 VALUES ($1, $2, $3, 'suppressed', 'pending', $4, $5, $6, $6)
		 ON CONFLICT (event_id, event_start, checkpoint) DO UPDATE SET
			status = 'suppressed',
			suppress_reason = EXCLUDED.suppress_reason,
			updated_at = EXCLUDED.updated_at
		 WHERE notification_records.status = 'pending'`,
		key.ID, key.Start, checkpoint, string(reason), nilIfZeroTime(eventEnd), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to suppress record", err)
	}
	return nil
}

// SuppressAllPending moves every pending checkpoint for the key into the
// suppressed state. Used inside the confirmation transaction.
func (r *NotificationRecordRepository) SuppressAllPending(ctx context.Context, key types.EventKey, reason types.SuppressReason, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notification_records SET
			status = 'suppressed',
			suppress_reason = $3,
			updated_at = $4
		 WHERE event_id = $1 AND event_start = $2 AND status = 'pending'`,
		key.ID, key.Start, string(reason), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to suppress pending records", err)
	}
	return nil
}

// Records returns all notification records for the key, keyed by checkpoint.
func (r *NotificationRecordRepository) Records(ctx context.Context, key types.EventKey) (map[int]*types.NotificationRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM notification_records
		 WHERE event_id = $1 AND event_start = $2`,
		key.ID, key.Start,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query records", err)
	}
	defer rows.Close()

	out := make(map[int]*types.NotificationRecord)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan record row", scanErr)
		}
		out[rec.Checkpoint] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating record rows", err)
	}
	return out, nil
}

// SeenEvent reports whether any notification record exists for the key.
func (r *NotificationRecordRepository) SeenEvent(ctx context.Context, key types.EventKey) (bool, error) {
	var seen bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM notification_records
			WHERE event_id = $1 AND event_start = $2
		 )`,
		key.ID, key.Start,
	).Scan(&seen)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check event existence", err)
	}
	return seen, nil
}

// ListStale returns records whose event ended before the cutoff, for the
// retention job to archive before deletion. Records without a stored event
// end fall back to the start-time fingerprint.
func (r *NotificationRecordRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM notification_records
		 WHERE COALESCE(event_end, event_start) < $1
		 ORDER BY event_start, event_id, checkpoint
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query stale records", err)
	}
	defer rows.Close()

	var out []*types.NotificationRecord
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stale record", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stale records", err)
	}
	return out, nil
}

// PurgeRecords deletes exactly the given notification records. The
// retention job uses this after archiving a batch so the purge can never
// outrun what was archived.
func (r *NotificationRecordRepository) PurgeRecords(ctx context.Context, records []*types.NotificationRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]string, len(records))
	starts := make([]time.Time, len(records))
	checkpoints := make([]int32, len(records))
	for i, rec := range records {
		ids[i] = rec.Key.ID
		starts[i] = rec.Key.Start
		checkpoints[i] = int32(rec.Checkpoint)
	}

	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_records nr
		 USING unnest($1::text[], $2::timestamptz[], $3::int[]) AS stale(event_id, event_start, checkpoint)
		 WHERE nr.event_id = stale.event_id
		   AND nr.event_start = stale.event_start
		   AND nr.checkpoint = stale.checkpoint`,
		ids, starts, checkpoints,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge notification records", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeStale deletes notification and confirmation rows for events that
// ended before the cutoff. Returns the number of notification records
// removed.
func (r *NotificationRecordRepository) PurgeStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_records
		 WHERE COALESCE(event_end, event_start) < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge stale records", err)
	}
	if _, err := r.db.Exec(ctx,
		`DELETE FROM confirmation_records WHERE event_start < $1`,
		cutoff,
	); err != nil {
		return tag.RowsAffected(), types.NewAppError(types.ErrCodeInternalDB, "failed to purge stale confirmations", err)
	}
	return tag.RowsAffected(), nil
}

// get fetches a single record row.
func (r *NotificationRecordRepository) get(ctx context.Context, key types.EventKey, checkpoint int) (*types.NotificationRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM notification_records
		 WHERE event_id = $1 AND event_start = $2 AND checkpoint = $3`,
		key.ID, key.Start, checkpoint,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load record", err)
	}
	return rec, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.NotificationRecord, error) {
	var (
		rec            types.NotificationRecord
		status         string
		outcome        string
		sentAt         *time.Time
		suppressReason *string
		eventEnd       *time.Time
	)
	err := row.Scan(
		&rec.Key.ID,
		&rec.Key.Start,
		&rec.Checkpoint,
		&status,
		&outcome,
		&sentAt,
		&rec.Attempts,
		&suppressReason,
		&eventEnd,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Key.Start = rec.Key.Start.UTC()
	rec.Status = types.RecordStatus(status)
	rec.Outcome = types.DeliveryOutcome(outcome)
	if sentAt != nil {
		rec.SentAt = sentAt.UTC()
	}
	if suppressReason != nil {
		rec.SuppressReason = types.SuppressReason(*suppressReason)
	}
	if eventEnd != nil {
		rec.EventEnd = eventEnd.UTC()
	}
	return &rec, nil
}

// nilIfZeroTime converts a zero time.Time to nil for nullable columns.
func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
