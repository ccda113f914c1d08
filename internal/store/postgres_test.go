package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: db, log: zerolog.Nop()}, mock
}

func TestConsume_InsufficientBalance_NoMutation(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT token_balance FROM users WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"token_balance"}).AddRow(1.0))
	mock.ExpectCommit()

	newBalance, ok, err := p.Consume(context.Background(), "u1", nil, "/api/credit-scores", 5.0, UsageMeta{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, newBalance)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsume_Success_DebitsAndAppendsLedgerRows(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT token_balance FROM users WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"token_balance"}).AddRow(100.0))
	mock.ExpectExec(`UPDATE users SET token_balance = \$2, total_tokens_used = total_tokens_used \+ \$3 WHERE user_id = \$1`).
		WithArgs("u1", 98.0, 2.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO token_transactions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO api_usage`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	newBalance, ok, err := p.Consume(context.Background(), "u1", nil, "/api/credit-scores", 2.0, UsageMeta{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 98.0, newBalance)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAPIKey_Expired_DeactivatesAndReturnsInvalid(t *testing.T) {
	p, mock := newMockStore(t)

	now := time.Now().UTC()
	expired := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, hashed_key, name, created_at, expires_at, last_used, is_active`).
		WithArgs("hash1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "hashed_key", "name", "created_at", "expires_at", "last_used", "is_active",
			"requests_per_minute", "requests_per_hour", "requests_per_day",
		}).AddRow(int64(1), "u1", "hash1", "k1", now, expired, nil, true, nil, nil, nil))
	mock.ExpectExec(`UPDATE api_keys SET is_active = false WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := p.ValidateAPIKey(context.Background(), "hash1", now)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "expired", result.Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAPIKey_Active_TouchesLastUsed(t *testing.T) {
	p, mock := newMockStore(t)

	now := time.Now().UTC()
	future := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, hashed_key, name, created_at, expires_at, last_used, is_active`).
		WithArgs("hash1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "hashed_key", "name", "created_at", "expires_at", "last_used", "is_active",
			"requests_per_minute", "requests_per_hour", "requests_per_day",
		}).AddRow(int64(1), "u1", "hash1", "k1", now, future, nil, true, nil, nil, nil))
	mock.ExpectQuery(`SELECT is_active FROM users WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
	mock.ExpectExec(`UPDATE api_keys SET last_used = \$2 WHERE id = \$1`).
		WithArgs(int64(1), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := p.ValidateAPIKey(context.Background(), "hash1", now)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, int64(1), result.APIKeyID)

	require.NoError(t, mock.ExpectationsWereMet())
}
