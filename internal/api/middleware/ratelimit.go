package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-IP rate limiting for API endpoints.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per IP.
	Rate rate.Limit
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxClients bounds how many client IPs are tracked at once.
	MaxClients int
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig allows 20 requests/second with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:       rate.Limit(20),
		Burst:      40,
		MaxClients: 4096,
		MaxAge:     10 * time.Minute,
	}
}

// AuthRateLimitConfig is stricter, for the token endpoint: 5 requests/second
// with a burst of 10.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:       rate.Limit(5),
		Burst:      10,
		MaxClients: 4096,
		MaxAge:     10 * time.Minute,
	}
}

// IPRateLimiter provides per-IP rate limiting. Idle limiters expire after
// MaxAge; the least recently seen IPs are evicted beyond MaxClients.
type IPRateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewIPRateLimiter creates a per-IP rate limiter.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 4096
	}
	return &IPRateLimiter{
		cfg:      cfg,
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.MaxAge),
	}
}

// Allow checks whether a request from the given IP is allowed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)
	}
	// Re-adding refreshes the entry's expiry.
	rl.limiters.Add(ip, limiter)
	rl.mu.Unlock()

	return limiter.Allow()
}

// Tracked returns the number of client IPs with a live limiter.
func (rl *IPRateLimiter) Tracked() int {
	return rl.limiters.Len()
}

// RateLimit returns middleware that rate limits requests by client IP. Over
// the limit it answers 429 with a Retry-After header.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP without its port. chi's RealIP middleware
// should run first when the server sits behind a proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
