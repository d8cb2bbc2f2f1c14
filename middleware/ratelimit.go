package middleware

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimit caps the request rate over the whole listener with a token
// bucket. rps is the sustained rate, burst the bucket size. This is a blunt
// overload guard, not a per-client policy engine.
func RateLimit(rps float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(rw).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}
