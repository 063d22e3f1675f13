package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/CivicPress/civicpress-sub013/config"
	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
)

// RateLimit returns a middleware that throttles requests against a
// process-wide token bucket. Requests over budget get 429 immediately;
// queueing them would only pile latency onto an overloaded server.
func RateLimit(cfg *config.RateLimitConfig) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow() {
				response.Error(w, http.StatusTooManyRequests, response.ErrCodeTooManyRequests,
					"request rate limit exceeded", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
