package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/castworks/cw-studio/internal/ratelimit"
)

// RateLimit caps requests per client IP on the routes it wraps. PTZ
// endpoints drive physical motors; a runaway client must not. When the
// limit store is down the request passes, the API keeps working during
// a Redis restart.
func RateLimit(limiter *ratelimit.Limiter, cfg ratelimit.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			decision, err := limiter.Check(r.Context(), host, cfg)
			if err != nil {
				log.Printf("[api] rate limit check: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
