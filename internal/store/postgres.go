package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint (username/email) is
// violated.
var ErrConflict = errors.New("conflict")

// Postgres is the PostgreSQL-backed Store implementation. It follows the
// teacher ledger's discipline of explicit parameterized SQL with no ORM
// (spec.md §9 "ORM-style querying") and marks every transaction that must
// run serializable to satisfy the check-then-debit invariant (§4.5, §5).
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to PostgreSQL with pool sizing in the same spirit as the
// teacher's ledger.NewLedger (bounded pool, short idle timeout).
func Open(dsn string, logger zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &Postgres{db: db, log: logger.With().Str("component", "store").Logger()}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping checks connectivity for readiness probes.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate runs the schema migration. It is idempotent on re-startup per
// §6.3: every statement uses CREATE TABLE IF NOT EXISTS / CREATE INDEX IF
// NOT EXISTS.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("running migration: %w", err)
	}
	p.log.Info().Msg("schema migration applied")
	return nil
}

func (p *Postgres) CreateUser(ctx context.Context, username, email, passwordHash string, limits RateLimitDefaults) (*User, error) {
	u := &User{
		ID:                uuid.New().String(),
		Username:          username,
		Email:             email,
		PasswordHash:      passwordHash,
		IsActive:          true,
		IsVerified:        false,
		RequestsPerMinute: limits.PerMinute,
		RequestsPerHour:   limits.PerHour,
		RequestsPerDay:    limits.PerDay,
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (
			user_id, username, email, password_hash, is_active, is_verified,
			token_balance, total_tokens_purchased, total_tokens_used,
			requests_per_minute, requests_per_hour, requests_per_day
		) VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, $7, $8, $9)
		RETURNING created_at, token_balance, total_tokens_purchased, total_tokens_used
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.IsActive, u.IsVerified,
		u.RequestsPerMinute, u.RequestsPerHour, u.RequestsPerDay,
	).Scan(&u.CreatedAt, &u.TokenBalance, &u.TotalTokensPurchased, &u.TotalTokensUsed)

	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	return u, nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelectSQL+" WHERE username = $1", username))
}

func (p *Postgres) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelectSQL+" WHERE user_id = $1", userID))
}

const userSelectSQL = `
	SELECT user_id, username, email, password_hash, created_at, is_active, is_verified,
	       token_balance, total_tokens_purchased, total_tokens_used,
	       requests_per_minute, requests_per_hour, requests_per_day
	FROM users`

func (p *Postgres) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.IsActive, &u.IsVerified,
		&u.TokenBalance, &u.TotalTokensPurchased, &u.TotalTokensUsed,
		&u.RequestsPerMinute, &u.RequestsPerHour, &u.RequestsPerDay,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) CreateAPIKey(ctx context.Context, key *APIKey) error {
	key.IsActive = true
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (
			user_id, hashed_key, name, expires_at, is_active,
			requests_per_minute, requests_per_hour, requests_per_day
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, key.UserID, key.HashedKey, key.Name, key.ExpiresAt, key.IsActive,
		key.RequestsPerMinute, key.RequestsPerHour, key.RequestsPerDay,
	).Scan(&key.ID, &key.CreatedAt)

	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

const apiKeySelectSQL = `
	SELECT id, user_id, hashed_key, name, created_at, expires_at, last_used, is_active,
	       requests_per_minute, requests_per_hour, requests_per_day
	FROM api_keys`

func (p *Postgres) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := p.db.QueryContext(ctx, apiKeySelectSQL+" WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := scanAPIKey(rows, &k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) GetAPIKeyByUserAndName(ctx context.Context, userID, name string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, apiKeySelectSQL+" WHERE user_id = $1 AND name = $2", userID, name)
	var k APIKey
	if err := scanAPIKeyRow(row, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (p *Postgres) DeactivateAPIKeyByName(ctx context.Context, userID, name string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = false WHERE user_id = $1 AND name = $2 AND is_active = true
	`, userID, name)
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAPIKey(rows *sql.Rows, k *APIKey) error {
	return scanAPIKeyRow(rows, k)
}

func scanAPIKeyRow(row rowScanner, k *APIKey) error {
	err := row.Scan(
		&k.ID, &k.UserID, &k.HashedKey, &k.Name, &k.CreatedAt, &k.ExpiresAt, &k.LastUsed, &k.IsActive,
		&k.RequestsPerMinute, &k.RequestsPerHour, &k.RequestsPerDay,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("scanning api key: %w", err)
	}
	return nil
}

// ValidateAPIKey implements §4.3 validate_key as a single serializable
// transaction: row-level lock on the key, expiry deactivation, owning-user
// check, and last_used touch all commit together.
func (p *Postgres) ValidateAPIKey(ctx context.Context, hashedKey string, now time.Time) (*KeyValidation, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var k APIKey
	row := tx.QueryRowContext(ctx, apiKeySelectSQL+" WHERE hashed_key = $1 FOR UPDATE", hashedKey)
	if err := scanAPIKeyRow(row, &k); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &KeyValidation{Valid: false, Reason: "unknown key"}, nil
		}
		return nil, err
	}

	if !k.IsActive {
		return &KeyValidation{Valid: false, Reason: "revoked"}, tx.Commit()
	}

	if k.ExpiresAt != nil && k.ExpiresAt.Before(now) {
		if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1`, k.ID); err != nil {
			return nil, fmt.Errorf("deactivating expired key: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing expiry deactivation: %w", err)
		}
		return &KeyValidation{Valid: false, Reason: "expired"}, nil
	}

	var userActive bool
	if err := tx.QueryRowContext(ctx, `SELECT is_active FROM users WHERE user_id = $1`, k.UserID).Scan(&userActive); err != nil {
		return nil, fmt.Errorf("checking owning user: %w", err)
	}
	if !userActive {
		return &KeyValidation{Valid: false, Reason: "user inactive"}, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET last_used = $2 WHERE id = $1`, k.ID, now); err != nil {
		return nil, fmt.Errorf("touching last_used: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing key validation: %w", err)
	}

	return &KeyValidation{Valid: true, UserID: k.UserID, APIKeyID: k.ID}, nil
}

func (p *Postgres) CountUsageSince(ctx context.Context, userID string, apiKeyID *int64, since time.Time) (int, error) {
	var count int
	var err error
	if apiKeyID != nil {
		err = p.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM api_usage
			WHERE user_id = $1 AND api_key_id = $2 AND success = true AND timestamp >= $3
		`, userID, *apiKeyID, since).Scan(&count)
	} else {
		err = p.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM api_usage
			WHERE user_id = $1 AND success = true AND timestamp >= $2
		`, userID, since).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return count, nil
}

func (p *Postgres) GetBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := p.db.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return balance, nil
}

// Consume is the linearization point of §4.5/§5: SELECT ... FOR UPDATE on
// the user row forces concurrent debits to serialize, so a re-read inside
// this transaction can never observe a stale balance that a concurrent
// consume already spent.
func (p *Postgres) Consume(ctx context.Context, userID string, apiKeyID *int64, endpoint string, amount float64, meta UsageMeta) (float64, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, false, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var previousBalance float64
	if err := tx.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&previousBalance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("locking user row: %w", err)
	}

	if previousBalance < amount {
		return previousBalance, false, tx.Commit()
	}

	newBalance := previousBalance - amount
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET token_balance = $2, total_tokens_used = total_tokens_used + $3 WHERE user_id = $1
	`, userID, newBalance, amount); err != nil {
		return 0, false, fmt.Errorf("debiting balance: %w", err)
	}

	if err := insertTransaction(ctx, tx, userID, TransactionUsage, -amount, previousBalance, newBalance,
		fmt.Sprintf("usage: %s", endpoint), uuid.New().String()); err != nil {
		return 0, false, err
	}

	if err := insertUsage(ctx, tx, userID, apiKeyID, endpoint, amount, meta, true, nil); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing consume: %w", err)
	}

	return newBalance, true, nil
}

func (p *Postgres) Credit(ctx context.Context, userID string, amount float64, txType TransactionType, description, referenceID string) (float64, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var previousBalance float64
	if err := tx.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&previousBalance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("locking user row: %w", err)
	}

	newBalance := previousBalance + amount

	if txType == TransactionPurchase {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET token_balance = $2, total_tokens_purchased = total_tokens_purchased + $3 WHERE user_id = $1
		`, userID, newBalance, amount); err != nil {
			return 0, fmt.Errorf("crediting balance: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET token_balance = $2 WHERE user_id = $1`, userID, newBalance); err != nil {
			return 0, fmt.Errorf("crediting balance: %w", err)
		}
	}

	if err := insertTransaction(ctx, tx, userID, txType, amount, previousBalance, newBalance, description, referenceID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing credit: %w", err)
	}

	return newBalance, nil
}

func (p *Postgres) RecordFailedUsage(ctx context.Context, userID string, apiKeyID *int64, endpoint string, meta UsageMeta, errMsg string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_usage (
			user_id, api_key_id, endpoint, tokens_consumed, request_size, response_size,
			processing_time_ms, success, error_message
		) VALUES ($1, $2, $3, 0, $4, $5, $6, false, $7)
	`, userID, apiKeyID, endpoint, meta.RequestSize, meta.ResponseSize, meta.ProcessingTimeMs, errMsg)
	if err != nil {
		return fmt.Errorf("recording failed usage: %w", err)
	}
	return nil
}

func (p *Postgres) UsageStats(ctx context.Context, userID string, days int) (*UsageStats, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	balance, err := p.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	var totalRequests int
	var totalTokens float64
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tokens_consumed), 0)
		FROM api_usage WHERE user_id = $1 AND success = true AND timestamp >= $2
	`, userID, since).Scan(&totalRequests, &totalTokens)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT endpoint, COUNT(*), COALESCE(SUM(tokens_consumed), 0)
		FROM api_usage WHERE user_id = $1 AND success = true AND timestamp >= $2
		GROUP BY endpoint ORDER BY endpoint
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage by endpoint: %w", err)
	}
	defer rows.Close()

	var breakdown []EndpointUsage
	for rows.Next() {
		var e EndpointUsage
		if err := rows.Scan(&e.Endpoint, &e.Requests, &e.Tokens); err != nil {
			return nil, fmt.Errorf("scanning endpoint breakdown: %w", err)
		}
		breakdown = append(breakdown, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &UsageStats{
		PeriodDays:         days,
		CurrentBalance:     balance,
		TotalRequests:      totalRequests,
		TotalTokensConsume: totalTokens,
		EndpointBreakdown:  breakdown,
	}, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, userID string, txType TransactionType, amount, previousBalance, newBalance float64, description, referenceID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_transactions (
			user_id, transaction_type, amount, previous_balance, new_balance, description, reference_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, userID, string(txType), amount, previousBalance, newBalance, description, referenceID)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func insertUsage(ctx context.Context, tx *sql.Tx, userID string, apiKeyID *int64, endpoint string, tokensConsumed float64, meta UsageMeta, success bool, errMsg *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO api_usage (
			user_id, api_key_id, endpoint, tokens_consumed, request_size, response_size,
			processing_time_ms, success, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, userID, apiKeyID, endpoint, tokensConsumed, meta.RequestSize, meta.ResponseSize, meta.ProcessingTimeMs, success, errMsg)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
