package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/types"
)

type fakeConfirmer struct {
	result   types.ConfirmResult
	err      error
	gotKey   types.EventKey
	gotActor string
}

func (f *fakeConfirmer) Confirm(_ context.Context, key types.EventKey, actor string, _ time.Time) (types.ConfirmResult, error) {
	f.gotKey = key
	f.gotActor = actor
	return f.result, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testServer(engine *fakeConfirmer, db fakePinger) *Server {
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	return NewServer(":0", engine, db, fixedClock{now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}, logger)
}

func testKey() types.EventKey {
	return types.EventKey{ID: "anna/ev-1", Start: time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)}
}

func TestHealthz_OK(t *testing.T) {
	srv := testServer(&fakeConfirmer{}, fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthz_DatabaseDown(t *testing.T) {
	srv := testServer(&fakeConfirmer{}, fakePinger{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConfirm_New(t *testing.T) {
	key := testKey()
	engine := &fakeConfirmer{result: types.ConfirmResult{
		Status: types.ConfirmedNew,
		Record: &types.ConfirmationRecord{
			Key:         key,
			ConfirmedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
			ConfirmedBy: "ops",
		},
	}}
	srv := testServer(engine, fakePinger{})

	req := httptest.NewRequest(http.MethodPost, "/events/"+key.String()+"/confirm", nil)
	req.Header.Set("X-Confirmed-By", "ops")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp confirmResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "confirmed", resp.Status)
	assert.Equal(t, key.String(), resp.EventKey)
	assert.Equal(t, "ops", resp.ConfirmedBy)
	assert.Equal(t, key, engine.gotKey)
	assert.Equal(t, "ops", engine.gotActor)
}

func TestConfirm_Idempotent(t *testing.T) {
	key := testKey()
	engine := &fakeConfirmer{result: types.ConfirmResult{
		Status: types.ConfirmedAlready,
		Record: &types.ConfirmationRecord{
			Key:         key,
			ConfirmedAt: time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
			ConfirmedBy: "tg:anna",
		},
	}}
	srv := testServer(engine, fakePinger{})

	req := httptest.NewRequest(http.MethodPost, "/events/"+key.String()+"/confirm", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp confirmResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_confirmed", resp.Status)
	assert.Equal(t, "tg:anna", resp.ConfirmedBy)
}

func TestConfirm_UnknownEvent(t *testing.T) {
	engine := &fakeConfirmer{result: types.ConfirmResult{Status: types.ConfirmRejected}}
	srv := testServer(engine, fakePinger{})

	req := httptest.NewRequest(http.MethodPost, "/events/"+testKey().String()+"/confirm", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeNotFoundEvent), resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
}

func TestConfirm_MalformedKey(t *testing.T) {
	srv := testServer(&fakeConfirmer{}, fakePinger{})

	req := httptest.NewRequest(http.MethodPost, "/events/not-a-key/confirm", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeValidationInvalidKey), resp.Error.Code)
}

func TestConfirm_StoreError(t *testing.T) {
	engine := &fakeConfirmer{err: types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", nil)}
	srv := testServer(engine, fakePinger{})

	req := httptest.NewRequest(http.MethodPost, "/events/"+testKey().String()+"/confirm", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	srv := testServer(&fakeConfirmer{}, fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
