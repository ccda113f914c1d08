package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kelpejol/scoring-gateway/internal/billing"
	"github.com/kelpejol/scoring-gateway/internal/config"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billingStub struct {
	store.Store
	balance       float64
	consumeOK     bool
	failureReason string
}

func (b *billingStub) GetBalance(ctx context.Context, userID string) (float64, error) {
	return b.balance, nil
}

func (b *billingStub) Consume(ctx context.Context, userID string, apiKeyID *int64, endpoint string, amount float64, meta store.UsageMeta) (float64, bool, error) {
	if !b.consumeOK {
		return b.balance, false, nil
	}
	b.balance -= amount
	return b.balance, true, nil
}

func (b *billingStub) RecordFailedUsage(ctx context.Context, userID string, apiKeyID *int64, endpoint string, meta store.UsageMeta, errMsg string) error {
	b.failureReason = errMsg
	return nil
}

func costTable() config.CostTable {
	return config.CostTable{BaseUnitCost: 1.0, Entries: map[string]config.CostEntry{
		"/api/credit-scores": {UnitCost: 2.0, Batch: true},
	}}
}

func principalContext(r *http.Request) *http.Request {
	keyID := int64(1)
	return r.WithContext(WithPrincipal(r.Context(), Principal{UserID: "u1", APIKeyID: &keyID}))
}

func TestBiller_SuccessfulRequestDebitsAndSetsHeaders(t *testing.T) {
	bs := &billingStub{balance: 10, consumeOK: true}
	svc := billing.New(bs, costTable(), zerolog.Nop())
	b := NewBiller(svc, nil, []string{"/api/"})

	h := b.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "data")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/credit-scores", strings.NewReader(`{"data":[1,2]}`))
	req = principalContext(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-Tokens-Consumed"))
	assert.Equal(t, "6", rec.Header().Get("X-Remaining-Balance"))
	assert.NotEmpty(t, rec.Header().Get("X-Processing-Time-Ms"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestBiller_InsufficientBalanceIs402BeforeDispatch(t *testing.T) {
	bs := &billingStub{balance: 1, consumeOK: true}
	svc := billing.New(bs, costTable(), zerolog.Nop())
	b := NewBiller(svc, nil, []string{"/api/"})

	called := false
	h := b.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/credit-scores", strings.NewReader(`{"data":[1,2]}`))
	req = principalContext(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.False(t, called, "handler must not run when preflight balance check fails")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestBiller_NonSuccessResponseRecordsFailureWithoutDebit(t *testing.T) {
	bs := &billingStub{balance: 10, consumeOK: true}
	svc := billing.New(bs, costTable(), zerolog.Nop())
	b := NewBiller(svc, nil, []string{"/api/"})

	h := b.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/credit-scores", strings.NewReader(`{"data":[1,2]}`))
	req = principalContext(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 10.0, bs.balance, "non-2xx response must never debit")
	assert.Equal(t, "HTTP 502", bs.failureReason)
}

func TestBiller_BalanceRaceLostAfterDispatchReturns402(t *testing.T) {
	bs := &billingStub{balance: 10, consumeOK: false}
	svc := billing.New(bs, costTable(), zerolog.Nop())
	b := NewBiller(svc, nil, []string{"/api/"})

	h := b.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("handled"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/credit-scores", strings.NewReader(`{"data":[1,2]}`))
	req = principalContext(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, bs.failureReason)
}
