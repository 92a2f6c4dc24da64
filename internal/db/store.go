package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"calwatch/internal/types"
)

// Store is the production state store: the engine's persistence contract
// implemented over a pgx connection pool. Single reads and writes go
// straight to the pool; the confirmation path runs in a transaction so the
// confirmation insert and the suppression of outstanding checkpoints commit
// atomically.
type Store struct {
	pool          *pgxpool.Pool
	notifications *NotificationRecordRepository
	confirmations *ConfirmationRecordRepository
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		notifications: NewNotificationRecordRepository(pool),
		confirmations: NewConfirmationRecordRepository(pool),
	}
}

// Notifications exposes the notification record repository (used by the
// retention job).
func (s *Store) Notifications() *NotificationRecordRepository {
	return s.notifications
}

// Confirmation implements engine.StateStore.
func (s *Store) Confirmation(ctx context.Context, key types.EventKey) (*types.ConfirmationRecord, error) {
	return s.confirmations.Get(ctx, key)
}

// Records implements engine.StateStore.
func (s *Store) Records(ctx context.Context, key types.EventKey) (map[int]*types.NotificationRecord, error) {
	return s.notifications.Records(ctx, key)
}

// EnsurePending implements engine.StateStore.
func (s *Store) EnsurePending(ctx context.Context, key types.EventKey, checkpoint int, eventEnd, now time.Time) (*types.NotificationRecord, bool, error) {
	return s.notifications.EnsurePending(ctx, key, checkpoint, eventEnd, now)
}

// MarkSent implements engine.StateStore.
func (s *Store) MarkSent(ctx context.Context, key types.EventKey, checkpoint int, at time.Time) (bool, error) {
	return s.notifications.MarkSent(ctx, key, checkpoint, at)
}

// RecordOutcome implements engine.StateStore.
func (s *Store) RecordOutcome(ctx context.Context, key types.EventKey, checkpoint int, outcome types.DeliveryOutcome, at time.Time) error {
	return s.notifications.RecordOutcome(ctx, key, checkpoint, outcome, at)
}

// Suppress implements engine.StateStore.
func (s *Store) Suppress(ctx context.Context, key types.EventKey, checkpoint int, reason types.SuppressReason, eventEnd, at time.Time) error {
	return s.notifications.Suppress(ctx, key, checkpoint, reason, eventEnd, at)
}

// SeenEvent implements engine.StateStore.
func (s *Store) SeenEvent(ctx context.Context, key types.EventKey) (bool, error) {
	return s.notifications.SeenEvent(ctx, key)
}

// Confirm implements engine.StateStore. The insert-if-absent and the
// suppression of outstanding pending checkpoints run in one transaction;
// a cycle racing this commit sees either the unconfirmed world or the
// fully confirmed one.
func (s *Store) Confirm(ctx context.Context, rec *types.ConfirmationRecord) (*types.ConfirmationRecord, bool, error) {
	var (
		stored  *types.ConfirmationRecord
		created bool
	)

	err := s.runInTx(ctx, func(tx DBTX) error {
		confirmations := NewConfirmationRecordRepository(tx)
		notifications := NewNotificationRecordRepository(tx)

		inserted, err := confirmations.InsertIfAbsent(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := confirmations.Get(ctx, rec.Key)
			if err != nil {
				return err
			}
			stored = existing
			return nil
		}

		if err := notifications.SuppressAllPending(ctx, rec.Key, types.SuppressConfirmed, rec.ConfirmedAt); err != nil {
			return err
		}
		stored = rec
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// runInTx executes fn inside a transaction, committing on nil and rolling
// back on error.
func (s *Store) runInTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		// Rollback is a no-op after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("failed to commit transaction: %v", err), err)
	}
	return nil
}
