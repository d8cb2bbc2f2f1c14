// Package middleware provides the HTTP middleware chain used on the
// gateway's listeners: request logging, rate limiting, and timeouts.
package middleware

import "net/http"

type Middleware func(next http.Handler) http.Handler

// Chain composes middlewares into one. Chain(A, B, C)(h) executes as
// A.before → B.before → C.before → h → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
