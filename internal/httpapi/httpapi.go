// Package httpapi wires the account and billing HTTP surface of §6.1
// (everything except the scoring routes, which the composition root
// registers per configured backend) onto a plain net/http.ServeMux —
// grounded on the teacher's handler.go RegisterRoutes/NewHandler shape.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/billing"
	"github.com/kelpejol/scoring-gateway/internal/identity"
	"github.com/kelpejol/scoring-gateway/internal/middleware"
	"github.com/kelpejol/scoring-gateway/internal/ratelimit"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
)

// Handler serves the account (§4.3) and billing (§4.5) HTTP routes.
type Handler struct {
	identity  *identity.Service
	billing   *billing.Service
	ratelimit *ratelimit.Service
	log       zerolog.Logger
}

func NewHandler(idSvc *identity.Service, billingSvc *billing.Service, rlSvc *ratelimit.Service, logger zerolog.Logger) *Handler {
	return &Handler{identity: idSvc, billing: billingSvc, ratelimit: rlSvc, log: logger.With().Str("component", "httpapi").Logger()}
}

// RegisterRoutes registers every non-scoring route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/generate-key", h.handleGenerateKey)
	mux.HandleFunc("/auth/my-keys", h.handleMyKeys)
	mux.HandleFunc("/auth/revoke-key/", h.handleRevokeKey)

	mux.HandleFunc("/billing/purchase-tokens", h.handlePurchaseTokens)
	mux.HandleFunc("/billing/balance", h.handleBalance)
	mux.HandleFunc("/billing/usage-stats", h.handleUsageStats)
	mux.HandleFunc("/billing/rate-limit-status", h.handleRateLimitStatus)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	apiErr := apierr.As(err)
	if apiErr.Status >= 500 {
		h.log.Error().Err(err).Msg("request failed")
	}
	middleware.WriteError(w, apiErr)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// --- §4.3 identity routes ---

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	user, err := h.identity.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "user registered",
		"user_id":  user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	user, err := h.identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if user == nil {
		h.writeErr(w, apierr.Unauthenticated("invalid username or password"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "login successful",
		"user_id":  user.ID,
		"username": user.Username,
	})
}

type generateKeyRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Name          string `json:"name"`
	ExpiresInDays *int   `json:"expires_in_days"`
}

func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	var req generateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	user, err := h.identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if user == nil {
		h.writeErr(w, apierr.Unauthenticated("invalid username or password"))
		return
	}

	plaintext, key, err := h.identity.GenerateKey(r.Context(), user, req.Name, req.ExpiresInDays)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	resp := map[string]interface{}{
		"api_key":    plaintext,
		"name":       key.Name,
		"created_at": key.CreatedAt,
	}
	if key.ExpiresAt != nil {
		resp["expires_at"] = key.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMyKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	principal, ok := middleware.RequirePrincipal(r)
	if !ok {
		h.writeErr(w, apierr.Unauthenticated("authentication required"))
		return
	}

	keys, err := h.identity.ListKeys(r.Context(), principal.UserID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	principal, ok := middleware.RequirePrincipal(r)
	if !ok {
		h.writeErr(w, apierr.Unauthenticated("authentication required"))
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/auth/revoke-key/")
	if name == "" {
		h.writeErr(w, apierr.Validation("key name is required"))
		return
	}

	if _, err := h.identity.RevokeKey(r.Context(), principal.UserID, name); err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "key revoked", "name": name})
}

// --- §4.5 billing routes ---

type purchaseTokensRequest struct {
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
}

const maxPurchaseAmount = 10000

func (h *Handler) handlePurchaseTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	principal, ok := middleware.RequirePrincipal(r)
	if !ok {
		h.writeErr(w, apierr.Unauthenticated("authentication required"))
		return
	}

	var req purchaseTokensRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if req.Amount <= 0 || req.Amount > maxPurchaseAmount {
		h.writeErr(w, apierr.Validation("amount must be in (0, %d]", maxPurchaseAmount))
		return
	}

	newBalance, err := h.billing.Credit(r.Context(), principal.UserID, req.Amount, store.TransactionPurchase, "token purchase", req.PaymentMethod)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "tokens purchased",
		"amount":          req.Amount,
		"current_balance": newBalance,
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	principal, ok := middleware.RequirePrincipal(r)
	if !ok {
		h.writeErr(w, apierr.Unauthenticated("authentication required"))
		return
	}

	summary, err := h.billing.AccountSummary(r.Context(), principal.UserID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

const (
	minUsageDays = 1
	maxUsageDays = 365
)

func (h *Handler) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	principal, ok := middleware.RequirePrincipal(r)
	if !ok {
		h.writeErr(w, apierr.Unauthenticated("authentication required"))
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minUsageDays || n > maxUsageDays {
			h.writeErr(w, apierr.Validation("days must be an integer in [%d, %d]", minUsageDays, maxUsageDays))
			return
		}
		days = n
	}

	stats, err := h.billing.UsageStats(r.Context(), principal.UserID, days)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apierr.NotImplemented("method not allowed"))
		return
	}

	principal, ok := middleware.RequirePrincipal(r)
	if !ok {
		h.writeErr(w, apierr.Unauthenticated("authentication required"))
		return
	}

	limits, err := h.ratelimit.ResolveLimitsForPrincipal(r.Context(), principal.UserID, principal.APIKeyID)
	if err != nil {
		h.writeErr(w, apierr.Internal("failed to resolve rate limits"))
		return
	}

	status, err := h.ratelimit.StatusFor(r.Context(), principal.UserID, principal.APIKeyID, limits)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}
