// Package billing implements the metered balance service of §4.5: cost
// lookup, preflight sufficiency checks, atomic debit, credit, and usage
// aggregation.
//
// Grounded end-to-end on the teacher's internal/ledger/ledger.go three-phase
// flow (CheckAndReserveBalance -> DeductGrains -> FinalizeRequest). This
// gateway has no streaming phase, so reservation and finalization collapse
// into the single atomic Consume call the store package exposes; what
// survives from the teacher is the discipline of never trusting a
// check-then-act outside a serializable transaction.
package billing

import (
	"context"
	"encoding/json"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/config"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
)

// Service wraps the store with the pricing and taxonomy rules of §4.5.
type Service struct {
	store store.Store
	cost  config.CostTable
	log   zerolog.Logger
}

func New(s store.Store, cost config.CostTable, logger zerolog.Logger) *Service {
	return &Service{store: s, cost: cost, log: logger.With().Str("component", "billing").Logger()}
}

// batchBody is the shape the cost table's "batch" rule keys off: a JSON
// object with a top-level "data" array whose length scales the cost.
type batchBody struct {
	Data []json.RawMessage `json:"data"`
}

// ComputeCost implements the cost-table lookup of §4.5/§4.8: a constant per
// endpoint, or unit_cost * len(data) for batch endpoints. If body is nil or
// fails to parse as a batch body, cost falls back to the base unit cost
// (§4.8 "cost falls back to the base unit cost").
func (svc *Service) ComputeCost(endpoint string, body []byte) float64 {
	entry, ok := svc.cost.Entries[endpoint]
	if !ok {
		return svc.cost.BaseUnitCost
	}
	if !entry.Batch {
		return entry.UnitCost
	}

	var b batchBody
	if len(body) == 0 {
		return svc.cost.BaseUnitCost
	}
	if err := json.Unmarshal(body, &b); err != nil || len(b.Data) == 0 {
		return svc.cost.BaseUnitCost
	}

	return entry.UnitCost * float64(len(b.Data))
}

// Balance implements §4.5 balance.
func (svc *Service) Balance(ctx context.Context, userID string) (float64, error) {
	bal, err := svc.store.GetBalance(ctx, userID)
	if err != nil {
		svc.log.Error().Err(err).Msg("balance: store read failed")
		return 0, apierr.Internal("failed to read balance")
	}
	return bal, nil
}

// AccountSummary is the response shape for GET /billing/balance (§6.1).
type AccountSummary struct {
	CurrentBalance float64 `json:"current_balance"`
	TotalPurchased float64 `json:"total_purchased"`
	TotalUsed      float64 `json:"total_used"`
	Username       string  `json:"username"`
}

// AccountSummary implements the §6.1 balance route's full response shape
// (current balance plus lifetime purchased/used totals and username),
// a superset of Balance.
func (svc *Service) AccountSummary(ctx context.Context, userID string) (*AccountSummary, error) {
	user, err := svc.store.GetUserByID(ctx, userID)
	if err != nil {
		svc.log.Error().Err(err).Msg("account_summary: store read failed")
		return nil, apierr.Internal("failed to read account summary")
	}
	return &AccountSummary{
		CurrentBalance: user.TokenBalance,
		TotalPurchased: user.TotalTokensPurchased,
		TotalUsed:      user.TotalTokensUsed,
		Username:       user.Username,
	}, nil
}

// CheckSufficient implements §4.5 check_sufficient: a read-only preflight,
// advisory only — the debit transaction re-reads and re-checks the balance
// itself, so losing this race never corrupts state (§5).
func (svc *Service) CheckSufficient(ctx context.Context, userID string, need float64) (bool, error) {
	bal, err := svc.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal >= need, nil
}

// Consume implements §4.5 consume: a single serializable transaction that
// re-reads the balance, fails closed if insufficient, and otherwise debits
// and appends both ledger rows. When the store refuses the debit after a
// successful preflight, the balance race was lost (§4.10) and Consume
// returns a 402 PaymentRequired error; store failures return a 500
// Internal error.
func (svc *Service) Consume(ctx context.Context, userID string, apiKeyID *int64, endpoint string, amount float64, meta store.UsageMeta) error {
	newBalance, ok, err := svc.store.Consume(ctx, userID, apiKeyID, endpoint, amount, meta)
	if err != nil {
		svc.log.Error().Err(err).Str("user_id", userID).Msg("consume: store debit failed")
		return apierr.Internal("failed to debit balance")
	}
	if !ok {
		svc.log.Info().Str("user_id", userID).Float64("balance", newBalance).Float64("need", amount).
			Msg("consume: balance race lost, debit refused")
		return apierr.PaymentRequired("insufficient balance")
	}
	return nil
}

// Credit implements §4.5 credit.
func (svc *Service) Credit(ctx context.Context, userID string, amount float64, txType store.TransactionType, description, referenceID string) (float64, error) {
	if amount <= 0 {
		return 0, apierr.Validation("credit amount must be positive")
	}

	newBalance, err := svc.store.Credit(ctx, userID, amount, txType, description, referenceID)
	if err != nil {
		svc.log.Error().Err(err).Str("user_id", userID).Msg("credit: store write failed")
		return 0, apierr.Internal("failed to credit balance")
	}
	return newBalance, nil
}

// RecordFailure writes a failed ApiUsage row without touching the balance
// (§4.8 "non-2xx" and "exception" branches never debit).
func (svc *Service) RecordFailure(ctx context.Context, userID string, apiKeyID *int64, endpoint string, meta store.UsageMeta, errMsg string) {
	if err := svc.store.RecordFailedUsage(ctx, userID, apiKeyID, endpoint, meta, errMsg); err != nil {
		svc.log.Error().Err(err).Str("user_id", userID).Msg("record_failure: store write failed")
	}
}

// UsageStats implements §4.5 usage_stats.
func (svc *Service) UsageStats(ctx context.Context, userID string, days int) (*store.UsageStats, error) {
	if days <= 0 {
		return nil, apierr.Validation("days must be positive")
	}

	stats, err := svc.store.UsageStats(ctx, userID, days)
	if err != nil {
		svc.log.Error().Err(err).Str("user_id", userID).Msg("usage_stats: store read failed")
		return nil, apierr.Internal("failed to read usage stats")
	}
	return stats, nil
}
