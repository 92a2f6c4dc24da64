package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"calwatch/internal/types"
)

func TestConfirmationRepo_Get_Found(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewConfirmationRecordRepository(dbx)
	key := testKey()
	confirmedAt := time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = key.ID
			*dest[1].(*time.Time) = key.Start
			*dest[2].(*time.Time) = confirmedAt
			*dest[3].(*string) = "user:42"
			return nil
		}})

	rec, err := repo.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, confirmedAt, rec.ConfirmedAt)
	assert.Equal(t, "user:42", rec.ConfirmedBy)
}

func TestConfirmationRepo_Get_NotConfirmed(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewConfirmationRecordRepository(dbx)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, err := repo.Get(context.Background(), testKey())
	require.NoError(t, err, "absence of a confirmation is not an error")
	assert.Nil(t, rec)
}

func TestConfirmationRepo_Get_DBError(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewConfirmationRecordRepository(dbx)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.Get(context.Background(), testKey())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestConfirmationRepo_InsertIfAbsent_Inserted(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewConfirmationRecordRepository(dbx)

	dbx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	inserted, err := repo.InsertIfAbsent(context.Background(), &types.ConfirmationRecord{
		Key:         testKey(),
		ConfirmedAt: time.Now().UTC(),
		ConfirmedBy: "user:42",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestConfirmationRepo_InsertIfAbsent_AlreadyConfirmed(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewConfirmationRecordRepository(dbx)

	dbx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	inserted, err := repo.InsertIfAbsent(context.Background(), &types.ConfirmationRecord{
		Key:         testKey(),
		ConfirmedAt: time.Now().UTC(),
		ConfirmedBy: "user:7",
	})
	require.NoError(t, err)
	assert.False(t, inserted, "first confirmation wins")
}
