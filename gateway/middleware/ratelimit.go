package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleAfter = 10 * time.Minute

// RateLimit configures the token bucket applied to one route group.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets. Clients are identified by
// API key when present, falling back to remote address, and quotas are
// independent per route group.
type RateLimiter struct {
	limits map[string]RateLimit
	nowFn  func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits map[string]RateLimit) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		nowFn:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware enforces the limit registered under the given route group.
// Routes without a configured limit pass through untouched.
func (rl *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[group]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.allow(group+"|"+clientIdentity(r), limit) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string, cfg RateLimit) bool {
	now := rl.nowFn()

	rl.mu.Lock()
	for id, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorIdleAfter {
			delete(rl.visitors, id)
		}
	}
	v, ok := rl.visitors[key]
	if !ok {
		perSecond := cfg.RatePerSecond
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.Allow()
}

func clientIdentity(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
