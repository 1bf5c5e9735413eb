package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const (
	KeyNameKey contextKey = "key_name"
	// SessionHeader carries the caller's claimed session id on HTTP requests.
	SessionHeader = "X-Session-ID"
)

// APIKeyAuth validates an operator API key from the Authorization or X-API-Key header.
// validKeys maps a key name to its value. An empty map disables the check.
func APIKeyAuth(validKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(validKeys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				// Support both "Bearer <key>" and "<key>" formats
				apiKey = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if apiKey == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}

			// constant-time comparison
			var name string
			for n, key := range validKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					name = n
					break
				}
			}
			if name == "" {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), KeyNameKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetKeyNameFromContext returns the name of the API key that authorized the request.
func GetKeyNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(KeyNameKey).(string); ok {
		return name
	}
	return ""
}
