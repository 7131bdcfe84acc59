package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/api"
	"github.com/Harvey-AU/nectar/internal/util"
	"golang.org/x/time/rate"
)

// ipRateLimiter throttles API requests per client IP address
type ipRateLimiter struct {
	mu         sync.Mutex
	limits     map[string]*rate.Limiter
	rate       rate.Limit
	capacity   int
	trustProxy bool
}

// newIPRateLimiter allows perSecond requests per IP with the given burst. A
// non-positive rate disables limiting. trustProxy keys clients by their
// forwarding headers.
func newIPRateLimiter(perSecond, burst int, trustProxy bool) *ipRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &ipRateLimiter{
		limits:     make(map[string]*rate.Limiter),
		rate:       limit,
		capacity:   burst,
		trustProxy: trustProxy,
	}
}

// limiter returns the rate limiter for a specific IP address
func (rl *ipRateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, exists := rl.limits[ip]
	if !exists {
		l = rate.NewLimiter(rl.rate, rl.capacity)
		rl.limits[ip] = l
	}
	return l
}

// Middleware rejects requests over the client's budget with a 429. Health checks
// and metric scrapes are never limited.
func (rl *ipRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiter(util.ClientIP(r, rl.trustProxy)).Allow() {
			api.TooManyRequests(w, r, "Too many requests", time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}
