package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds a request's context. Used on the control API only; the
// public proxy path carries its own transport timeouts, and wrapping it
// here would break websocket upgrades.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}
