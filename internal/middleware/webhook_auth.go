package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// WebhookAuth validates callbacks from the AI workers. Requests must carry
// Authorization: Bearer <shared secret> and an X-Request-Source header naming
// a known worker class. Every mismatch gets the same 401 so a probe cannot
// tell which part of the check failed.
func WebhookAuth(internalToken string, allowedSources []string) func(http.Handler) http.Handler {
	sources := make(map[string]struct{}, len(allowedSources))
	for _, s := range allowedSources {
		sources[s] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalToken == "" {
				writeAuthError(w, http.StatusInternalServerError, "Server configuration error")
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			token := strings.TrimSpace(parts[1])
			if subtle.ConstantTimeCompare([]byte(token), []byte(internalToken)) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if _, ok := sources[r.Header.Get("X-Request-Source")]; !ok {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
