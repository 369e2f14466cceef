package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an HTTP middleware that caps requests per client IP
// per minute with a sliding window. It guards the API as a whole and is
// unrelated to the per-key limits, which are exposed as metadata only.
// The key is r.RemoteAddr, so forwarding headers count only when RealIP
// has been mounted ahead of it.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeAuthError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests from this address")
		}),
	)
}
