package engine

import (
	"context"
	"fmt"
	"time"

	"calwatch/internal/types"
)

// Confirm transitions an event from unconfirmed to confirmed in response
// to an external action (button press, HTTP call). It is idempotent:
// confirming an already-confirmed event returns the existing record, not
// an error. Confirming an event the engine has never produced a record for
// is rejected so the caller can tell the user the control is stale.
//
// The confirmation write and the suppression of outstanding unsent
// checkpoints happen in a single store transaction, so a cycle racing with
// the confirmation can produce at most one redundant late notification.
func (e *Engine) Confirm(ctx context.Context, key types.EventKey, actor string, at time.Time) (types.ConfirmResult, error) {
	seen, err := e.store.SeenEvent(ctx, key)
	if err != nil {
		return types.ConfirmResult{}, fmt.Errorf("Confirm: %w", err)
	}
	if !seen {
		e.logger.Warn("confirmation for unknown event",
			"event_key", key.String(),
			"actor", actor,
		)
		return types.ConfirmResult{Status: types.ConfirmRejected}, nil
	}

	rec := &types.ConfirmationRecord{
		Key:         key,
		ConfirmedAt: at.UTC(),
		ConfirmedBy: actor,
	}

	stored, created, err := e.store.Confirm(ctx, rec)
	if err != nil {
		return types.ConfirmResult{}, fmt.Errorf("Confirm: %w", err)
	}

	if !created {
		return types.ConfirmResult{Status: types.ConfirmedAlready, Record: stored}, nil
	}

	e.logger.Info("event confirmed",
		"event_key", key.String(),
		"actor", actor,
	)
	return types.ConfirmResult{Status: types.ConfirmedNew, Record: stored}, nil
}
