package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
)

// WriteError renders an *apierr.Error as the `{"detail": "..."}` body of
// §7. RateLimited errors (§4.7) also get a fixed "Retry-After: 60" header,
// their window/count/limit being carried in the detail string; 401 errors
// get "WWW-Authenticate: Bearer".
func WriteError(w http.ResponseWriter, err *apierr.Error) {
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	if err.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	if err.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Detail})
}
