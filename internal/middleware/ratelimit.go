package middleware

import (
	"net/http"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/metrics"
	"github.com/kelpejol/scoring-gateway/internal/ratelimit"
)

// RateLimiter implements the rate-limit stage of §4.7.
type RateLimiter struct {
	svc            *ratelimit.Service
	billedPrefixes []string
}

func NewRateLimiter(svc *ratelimit.Service, billedPrefixes []string) *RateLimiter {
	return &RateLimiter{svc: svc, billedPrefixes: billedPrefixes}
}

// Middleware implements §4.7: unguarded paths pass through; guarded paths
// require a principal (401 if absent — the auth stage should already have
// rejected this, but a missing principal here is defense in depth) and
// then enforce the three windows.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasPrefix(r.URL.Path, rl.billedPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := RequirePrincipal(r)
			if !ok {
				writeError(w, apierr.Unauthenticated("authentication required"))
				return
			}

			limits, err := rl.svc.ResolveLimitsForPrincipal(r.Context(), principal.UserID, principal.APIKeyID)
			if err != nil {
				writeError(w, apierr.Internal("failed to resolve rate limits"))
				return
			}

			if err := rl.svc.Check(r.Context(), principal.UserID, principal.APIKeyID, limits); err != nil {
				apiErr := apierr.As(err)
				metrics.RateLimitRejectionsTotal.WithLabelValues(apiErr.Window).Inc()
				writeError(w, apiErr)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
