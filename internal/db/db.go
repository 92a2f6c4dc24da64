// Package db provides the PostgreSQL-backed state store for calwatch.
// All repositories accept a DBTX interface that is satisfied by both
// *pgxpool.Pool (for normal queries) and pgx.Tx (for transactional
// execution), so the same repository code runs inside or outside a
// transaction.
//
// The at-most-once delivery guarantee lives here: EnsurePending is an
// INSERT ... ON CONFLICT DO NOTHING and MarkSent is a guarded UPDATE, so
// two overlapping cycles can never both record a successful send for the
// same (event, checkpoint) pair.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema is the DDL for the two state tables. EnsureSchema applies it at
// startup; the statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS notification_records (
	event_id        TEXT        NOT NULL,
	event_start     TIMESTAMPTZ NOT NULL,
	checkpoint      INT         NOT NULL CHECK (checkpoint >= 0),
	status          TEXT        NOT NULL CHECK (status IN ('pending', 'sent', 'suppressed')),
	outcome         TEXT        NOT NULL DEFAULT 'pending'
		CHECK (outcome IN ('pending', 'success', 'failed', 'timed_out')),
	sent_at         TIMESTAMPTZ,
	attempts        INT         NOT NULL DEFAULT 0,
	suppress_reason TEXT,
	event_end       TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (event_id, event_start, checkpoint)
);

CREATE INDEX IF NOT EXISTS idx_notification_records_event_end
	ON notification_records (event_end);

CREATE TABLE IF NOT EXISTS confirmation_records (
	event_id     TEXT        NOT NULL,
	event_start  TIMESTAMPTZ NOT NULL,
	confirmed_at TIMESTAMPTZ NOT NULL,
	confirmed_by TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (event_id, event_start)
);
`

// EnsureSchema creates the state tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
