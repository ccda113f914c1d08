package middleware

import (
	"net/http"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/rs/zerolog"
)

// Recovery converts a panic anywhere downstream into a 500 response instead
// of crashing the listener goroutine, adapted from cmd/api/main.go's
// grpc_recovery.WithRecoveryHandler to net/http.
func Recovery(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("recovered from panic in http handler")
					writeError(w, apierr.Internal("internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
