// Package middleware provides HTTP middleware for the relay API.
package middleware

import (
	"net/http"
	"strings"
)

var allowedHeaders = strings.Join([]string{"Content-Type", "X-Operator-ID"}, ", ")

// CORS returns middleware that answers preflight requests and sets CORS
// headers for the configured origins. "*" admits any origin but never with
// credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	explicit := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (wildcard || explicit[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Add("Vary", "Origin")
				if explicit[origin] {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
