package store

import (
	"context"
	"time"
)

// UsageMeta carries the request/response shape recorded alongside every
// ApiUsage row (§3).
type UsageMeta struct {
	RequestSize      int
	ResponseSize     int
	ProcessingTimeMs float64
}

// EndpointUsage is one row of the usage_stats endpoint_breakdown (§4.5).
type EndpointUsage struct {
	Endpoint string  `json:"endpoint"`
	Requests int     `json:"requests"`
	Tokens   float64 `json:"tokens"`
}

// UsageStats is the aggregate billing usage_stats response body (§4.5).
type UsageStats struct {
	PeriodDays         int             `json:"period_days"`
	CurrentBalance     float64         `json:"current_balance"`
	TotalRequests      int             `json:"total_requests"`
	TotalTokensConsume float64         `json:"total_tokens_consumed"`
	EndpointBreakdown  []EndpointUsage `json:"endpoint_breakdown"`
}

// KeyValidation is the outcome of atomically validating a presented
// bearer key (§4.3 validate_key).
type KeyValidation struct {
	Valid    bool
	UserID   string
	APIKeyID int64
	// Reason is set when Valid is false, purely for logging; callers must
	// not distinguish it to API consumers (§4.3).
	Reason string
}

// Store is the transactional relational store abstraction (§3, §6). A
// single implementation backs it (PostgreSQL, internal/store/postgres.go);
// it is expressed as an interface so services and middleware stages can be
// unit tested against in-memory stubs, while the Postgres implementation
// itself is tested against github.com/DATA-DOG/go-sqlmock, both without a
// live database.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateUser(ctx context.Context, username, email, passwordHash string, limits RateLimitDefaults) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)

	CreateAPIKey(ctx context.Context, key *APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
	GetAPIKeyByUserAndName(ctx context.Context, userID, name string) (*APIKey, error)
	DeactivateAPIKeyByName(ctx context.Context, userID, name string) (bool, error)

	// ValidateAPIKey implements §4.3 validate_key atomically: lookup by
	// hash, expiry deactivation, owning-user-inactive check, and
	// last_used touch all commit (or not) as one transaction.
	ValidateAPIKey(ctx context.Context, hashedKey string, now time.Time) (*KeyValidation, error)

	// CountUsageSince implements the §4.4 sliding-window count: successful
	// ApiUsage rows for userID (and apiKeyID, if non-nil) since the given
	// instant.
	CountUsageSince(ctx context.Context, userID string, apiKeyID *int64, since time.Time) (int, error)

	GetBalance(ctx context.Context, userID string) (float64, error)

	// Consume implements §4.5 consume: a single serializable transaction
	// that re-reads balance, fails if insufficient, debits, and appends
	// both ledger rows. Returns the new balance on success.
	Consume(ctx context.Context, userID string, apiKeyID *int64, endpoint string, amount float64, meta UsageMeta) (newBalance float64, ok bool, err error)

	// Credit implements §4.5 credit.
	Credit(ctx context.Context, userID string, amount float64, txType TransactionType, description, referenceID string) (newBalance float64, err error)

	// RecordFailedUsage writes a zero-token, success=false ApiUsage row
	// without touching the balance (§4.8 non-2xx / exception paths).
	RecordFailedUsage(ctx context.Context, userID string, apiKeyID *int64, endpoint string, meta UsageMeta, errMsg string) error

	UsageStats(ctx context.Context, userID string, days int) (*UsageStats, error)
}

// RateLimitDefaults mirrors config.RateLimits without importing the config
// package (avoids an import cycle: config has no reason to know about
// store, and store must not depend on config).
type RateLimitDefaults struct {
	PerMinute int
	PerHour   int
	PerDay    int
}
