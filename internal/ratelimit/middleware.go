package ratelimit

import (
	"net"
	"net/http"

	"github.com/PairTraceDev/pairtrace-web/internal/logger"
)

// Middleware creates an HTTP middleware that applies rate limiting keyed
// by client IP. Place after chi's RealIP middleware so RemoteAddr holds
// the forwarded address.
func Middleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			if !limiter.Allow(r.Context(), key) {
				logger.Ctx(r.Context()).Warn("rate limit exceeded",
					"key", key, "path", r.URL.Path)
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey extracts the rate-limit key from the request. RemoteAddr may
// or may not carry a port depending on middleware ordering.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
