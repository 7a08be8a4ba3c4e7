package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	apierrors "github.com/tutorhive/server/internal/errors"
)

// adminAuth protects operator endpoints with an API key. If no key is
// configured the endpoint is open, which is the expected setup behind a
// private network boundary. Configured keys must arrive as
// "Authorization: Bearer {key}".
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			expected := "Bearer " + apiKey
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				resp := apierrors.NewErrorResponse(apierrors.ErrCodeInvalidField, "invalid or missing admin API key", nil)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(resp)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
