// Package http provides the JSON API surface for the assistant core.
package http

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyAuth returns middleware that requires the X-API-Key header to
// match key. An empty key disables the check.
func APIKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" {
				got := r.Header.Get("X-API-Key")
				if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
					http.Error(w, "Unauthorized: missing or invalid API key", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
