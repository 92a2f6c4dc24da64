package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"calwatch/internal/types"
)

// ConfirmationRecordRepository provides data access for the
// confirmation_records table: one row per confirmed event instance.
type ConfirmationRecordRepository struct {
	db DBTX
}

// NewConfirmationRecordRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewConfirmationRecordRepository(db DBTX) *ConfirmationRecordRepository {
	return &ConfirmationRecordRepository{db: db}
}

// Get returns the confirmation record for the key, or nil when the event
// is unconfirmed.
func (r *ConfirmationRecordRepository) Get(ctx context.Context, key types.EventKey) (*types.ConfirmationRecord, error) {
	var rec types.ConfirmationRecord
	err := r.db.QueryRow(ctx,
		`SELECT event_id, event_start, confirmed_at, confirmed_by
		 FROM confirmation_records
		 WHERE event_id = $1 AND event_start = $2`,
		key.ID, key.Start,
	).Scan(&rec.Key.ID, &rec.Key.Start, &rec.ConfirmedAt, &rec.ConfirmedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load confirmation", err)
	}
	rec.Key.Start = rec.Key.Start.UTC()
	rec.ConfirmedAt = rec.ConfirmedAt.UTC()
	return &rec, nil
}

// InsertIfAbsent inserts the confirmation record unless one already exists
// for the key. Returns whether this call inserted it. Once set, a
// confirmation is never cleared for that event instance.
func (r *ConfirmationRecordRepository) InsertIfAbsent(ctx context.Context, rec *types.ConfirmationRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO confirmation_records (event_id, event_start, confirmed_at, confirmed_by)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id, event_start) DO NOTHING`,
		rec.Key.ID, rec.Key.Start, rec.ConfirmedAt, rec.ConfirmedBy,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert confirmation", err)
	}
	return tag.RowsAffected() == 1, nil
}
