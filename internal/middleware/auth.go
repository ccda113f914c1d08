package middleware

import (
	"net/http"
	"strings"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/identity"
)

// Authenticator implements the authentication stage of §4.6.
type Authenticator struct {
	identity          *identity.Service
	excludedPrefixes  []string
	protectedPrefixes []string
}

func NewAuthenticator(svc *identity.Service, excludedPrefixes, protectedPrefixes []string) *Authenticator {
	return &Authenticator{identity: svc, excludedPrefixes: excludedPrefixes, protectedPrefixes: protectedPrefixes}
}

// Middleware implements §4.6: excluded prefixes pass through unauthenticated;
// protected prefixes require a valid bearer credential; everything else
// passes through as-is (auth is opt-in per matched prefix, not default-deny,
// matching the endpoint table in §6.1 where e.g. /auth/generate-key takes
// its credentials from the body instead of a header).
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasPrefix(r.URL.Path, a.excludedPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			if !hasPrefix(r.URL.Path, a.protectedPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, apierr.Unauthenticated("missing Authorization header"))
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, apierr.Unauthenticated("expected a Bearer credential"))
				return
			}

			userID, apiKeyID, ok := a.identity.ValidateKey(r.Context(), parts[1])
			if !ok {
				writeError(w, apierr.Unauthenticated("invalid or expired api key"))
				return
			}

			keyID := apiKeyID
			ctx := WithPrincipal(r.Context(), Principal{UserID: userID, APIKeyID: &keyID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
