package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kelpejol/scoring-gateway/internal/billing"
	"github.com/kelpejol/scoring-gateway/internal/config"
	"github.com/kelpejol/scoring-gateway/internal/identity"
	"github.com/kelpejol/scoring-gateway/internal/middleware"
	"github.com/kelpejol/scoring-gateway/internal/ratelimit"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a complete in-memory store.Store implementation used to
// exercise the HTTP surface end to end without a live database.
type memStore struct {
	users     map[string]*store.User
	keys      []store.APIKey
	nextKeyID int64
	usage     []store.APIUsage
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*store.User{}}
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Close() error                      { return nil }

func (m *memStore) CreateUser(ctx context.Context, username, email, passwordHash string, limits store.RateLimitDefaults) (*store.User, error) {
	if _, exists := m.users[username]; exists {
		return nil, store.ErrConflict
	}
	u := &store.User{
		ID: username + "-id", Username: username, Email: email, PasswordHash: passwordHash,
		CreatedAt: time.Now().UTC(), IsActive: true,
		RequestsPerMinute: limits.PerMinute, RequestsPerHour: limits.PerHour, RequestsPerDay: limits.PerDay,
	}
	m.users[username] = u
	return u, nil
}

func (m *memStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetUserByID(ctx context.Context, userID string) (*store.User, error) {
	for _, u := range m.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CreateAPIKey(ctx context.Context, key *store.APIKey) error {
	m.nextKeyID++
	key.ID = m.nextKeyID
	key.CreatedAt = time.Now().UTC()
	key.IsActive = true
	m.keys = append(m.keys, *key)
	return nil
}

func (m *memStore) ListAPIKeys(ctx context.Context, userID string) ([]store.APIKey, error) {
	var out []store.APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) GetAPIKeyByUserAndName(ctx context.Context, userID, name string) (*store.APIKey, error) {
	for i := range m.keys {
		if m.keys[i].UserID == userID && m.keys[i].Name == name {
			return &m.keys[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) DeactivateAPIKeyByName(ctx context.Context, userID, name string) (bool, error) {
	for i := range m.keys {
		if m.keys[i].UserID == userID && m.keys[i].Name == name && m.keys[i].IsActive {
			m.keys[i].IsActive = false
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ValidateAPIKey(ctx context.Context, hashedKey string, now time.Time) (*store.KeyValidation, error) {
	for i := range m.keys {
		k := &m.keys[i]
		if k.HashedKey != hashedKey {
			continue
		}
		if !k.IsActive {
			return &store.KeyValidation{Valid: false, Reason: "revoked"}, nil
		}
		if k.ExpiresAt != nil && k.ExpiresAt.Before(now) {
			k.IsActive = false
			return &store.KeyValidation{Valid: false, Reason: "expired"}, nil
		}
		k.LastUsed = &now
		return &store.KeyValidation{Valid: true, UserID: k.UserID, APIKeyID: k.ID}, nil
	}
	return &store.KeyValidation{Valid: false, Reason: "unknown key"}, nil
}

func (m *memStore) CountUsageSince(ctx context.Context, userID string, apiKeyID *int64, since time.Time) (int, error) {
	count := 0
	for _, u := range m.usage {
		if u.UserID == userID && u.Success && !u.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetBalance(ctx context.Context, userID string) (float64, error) {
	u, err := m.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.TokenBalance, nil
}

func (m *memStore) Consume(ctx context.Context, userID string, apiKeyID *int64, endpoint string, amount float64, meta store.UsageMeta) (float64, bool, error) {
	u, err := m.GetUserByID(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	if u.TokenBalance < amount {
		return u.TokenBalance, false, nil
	}
	u.TokenBalance -= amount
	m.usage = append(m.usage, store.APIUsage{UserID: userID, Endpoint: endpoint, TokensConsumed: amount, Success: true, Timestamp: time.Now().UTC()})
	return u.TokenBalance, true, nil
}

func (m *memStore) Credit(ctx context.Context, userID string, amount float64, txType store.TransactionType, description, referenceID string) (float64, error) {
	u, err := m.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	u.TokenBalance += amount
	if txType == store.TransactionPurchase {
		u.TotalTokensPurchased += amount
	}
	return u.TokenBalance, nil
}

func (m *memStore) RecordFailedUsage(ctx context.Context, userID string, apiKeyID *int64, endpoint string, meta store.UsageMeta, errMsg string) error {
	msg := errMsg
	m.usage = append(m.usage, store.APIUsage{UserID: userID, Endpoint: endpoint, Success: false, ErrorMessage: &msg, Timestamp: time.Now().UTC()})
	return nil
}

func (m *memStore) UsageStats(ctx context.Context, userID string, days int) (*store.UsageStats, error) {
	return &store.UsageStats{PeriodDays: days}, nil
}

func newTestHandler(t *testing.T) (*Handler, *memStore) {
	ms := newMemStore()
	limits := store.RateLimitDefaults{PerMinute: 10, PerHour: 100, PerDay: 1000}
	idSvc := identity.New(ms, "pepper", limits, zerolog.Nop())
	billingSvc := billing.New(ms, config.CostTable{BaseUnitCost: 1.0}, zerolog.Nop())
	rlSvc := ratelimit.New(ms, nil, zerolog.Nop())
	return NewHandler(idSvc, billingSvc, rlSvc, zerolog.Nop()), ms
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, principal *middleware.Principal) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != nil {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), *principal))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndLogin(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/auth/register", registerRequest{Username: "alice", Email: "a@x.com", Password: "correcthorse"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", loginRequest{Username: "alice", Password: "correcthorse"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", loginRequest{Username: "alice", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPurchaseAndBalance(t *testing.T) {
	h, ms := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	_, err := ms.CreateUser(context.Background(), "bob", "bob@x.com", "hash", store.RateLimitDefaults{PerMinute: 10, PerHour: 100, PerDay: 1000})
	require.NoError(t, err)
	p := middleware.Principal{UserID: "bob-id"}

	rec := doJSON(t, mux, http.MethodPost, "/billing/purchase-tokens", purchaseTokensRequest{Amount: 50, PaymentMethod: "card"}, &p)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/billing/balance", nil, &p)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp billing.AccountSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 50.0, resp.CurrentBalance)
	assert.Equal(t, 50.0, resp.TotalPurchased)
	assert.Equal(t, "bob", resp.Username)
}

func TestPurchaseTokens_RejectsOutOfRangeAmount(t *testing.T) {
	h, ms := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	_, err := ms.CreateUser(context.Background(), "bob", "bob@x.com", "hash", store.RateLimitDefaults{})
	require.NoError(t, err)
	p := middleware.Principal{UserID: "bob-id"}

	rec := doJSON(t, mux, http.MethodPost, "/billing/purchase-tokens", purchaseTokensRequest{Amount: 20000, PaymentMethod: "card"}, &p)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitStatus_RequiresPrincipal(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodGet, "/billing/rate-limit-status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
