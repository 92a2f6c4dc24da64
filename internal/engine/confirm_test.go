package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/types"
)

func TestConfirm_UnknownEventRejected(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	eng := newTestEngine(t, defaultConfig(), store, &stubSink{outcome: types.OutcomeSuccess}, clock)

	key := types.EventKey{ID: "never-seen", Start: clock.now.Add(time.Hour)}
	res, err := eng.Confirm(context.Background(), key, "user:42", clock.now)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmRejected, res.Status)
	assert.Nil(t, res.Record)
}

func TestConfirm_Idempotent(t *testing.T) {
	start := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)
	clock := &mockClock{now: start.Add(-time.Hour)}
	store := newMemStore()
	eng := newTestEngine(t, defaultConfig(), store, &stubSink{outcome: types.OutcomeSuccess}, clock)

	ev := testEvent(start)
	_, err := eng.Cycle(context.Background(), []types.Event{ev})
	require.NoError(t, err)

	first, err := eng.Confirm(context.Background(), ev.Key(), "user:42", clock.now)
	require.NoError(t, err)
	require.Equal(t, types.ConfirmedNew, first.Status)
	require.NotNil(t, first.Record)

	// Confirming again, later and by someone else, is a no-op that returns
	// the original record.
	second, err := eng.Confirm(context.Background(), ev.Key(), "user:99", clock.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmedAlready, second.Status)
	require.NotNil(t, second.Record)
	assert.Equal(t, first.Record.ConfirmedAt, second.Record.ConfirmedAt)
	assert.Equal(t, "user:42", second.Record.ConfirmedBy)
}

func TestConfirm_SuppressesOutstandingCheckpoints(t *testing.T) {
	start := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)
	clock := &mockClock{now: start.Add(-time.Hour)}
	store := newMemStore()
	// Delivery fails, leaving the checkpoint pending.
	sink := &stubSink{outcome: types.OutcomeFailed}
	eng := newTestEngine(t, defaultConfig(), store, sink, clock)

	ev := testEvent(start)
	_, err := eng.Cycle(context.Background(), []types.Event{ev})
	require.NoError(t, err)

	rec := store.record(ev.Key(), 3600)
	require.NotNil(t, rec)
	require.Equal(t, types.RecordPending, rec.Status)

	res, err := eng.Confirm(context.Background(), ev.Key(), "user:42", clock.now)
	require.NoError(t, err)
	require.Equal(t, types.ConfirmedNew, res.Status)

	rec = store.record(ev.Key(), 3600)
	assert.Equal(t, types.RecordSuppressed, rec.Status)
	assert.Equal(t, types.SuppressConfirmed, rec.SuppressReason)
	assert.True(t, rec.SentAt.IsZero(), "no lingering notification after confirmation")
}
