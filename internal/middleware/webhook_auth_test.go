package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookAuth(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guard := WebhookAuth("shared-secret", []string{"training-server", "inference-server"})(okHandler)

	tests := []struct {
		name       string
		authHeader string
		source     string
		wantStatus int
	}{
		{"valid token and source", "Bearer shared-secret", "training-server", http.StatusOK},
		{"valid token, inference source", "Bearer shared-secret", "inference-server", http.StatusOK},
		{"missing authorization", "", "training-server", http.StatusUnauthorized},
		{"wrong scheme", "Basic shared-secret", "training-server", http.StatusUnauthorized},
		{"wrong token", "Bearer other-secret", "training-server", http.StatusUnauthorized},
		{"missing source", "Bearer shared-secret", "", http.StatusUnauthorized},
		{"unknown source", "Bearer shared-secret", "frontend", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/webhooks/training/complete", nil)
			if tt.authHeader != "" {
				r.Header.Set("Authorization", tt.authHeader)
			}
			if tt.source != "" {
				r.Header.Set("X-Request-Source", tt.source)
			}
			w := httptest.NewRecorder()

			guard.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestWebhookAuth_UnconfiguredToken(t *testing.T) {
	guard := WebhookAuth("", []string{"training-server"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a configured token")
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/training/complete", nil)
	r.Header.Set("Authorization", "Bearer ")
	r.Header.Set("X-Request-Source", "training-server")
	w := httptest.NewRecorder()

	guard.ServeHTTP(w, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
