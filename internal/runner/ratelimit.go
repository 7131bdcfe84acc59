package runner

import (
	"context"
	"math/rand/v2"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests per domain and backs off exponentially when a
// domain answers with a throttling status.
type RateLimiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	domains map[string]*domainState

	now   func() time.Time
	float func() float64
}

type domainState struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	delay        time.Duration
	failures     int
	backoffUntil time.Time
}

// NewRateLimiter creates a limiter. Zero-valued fields of cfg take the defaults.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	def := config.DefaultRateLimitConfig()
	if cfg.BaseDelayMax == 0 && cfg.BaseDelayMin == 0 {
		cfg.BaseDelayMin, cfg.BaseDelayMax = def.BaseDelayMin, def.BaseDelayMax
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if len(cfg.RateLimitCodes) == 0 {
		cfg.RateLimitCodes = def.RateLimitCodes
	}
	return &RateLimiter{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		now:     time.Now,
		float:   rand.Float64,
	}
}

func (rl *RateLimiter) baseDelay() time.Duration {
	span := rl.cfg.BaseDelayMax - rl.cfg.BaseDelayMin
	return rl.cfg.BaseDelayMin + time.Duration(rl.float()*float64(span))
}

func (rl *RateLimiter) getOrCreateState(domain string) *domainState {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.domains[domain]
	if !ok {
		delay := rl.baseDelay()
		state = &domainState{
			limiter: rate.NewLimiter(limitFor(delay), 1),
			delay:   delay,
		}
		rl.domains[domain] = state
	}
	return state
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until the next request to domain may be sent
func (rl *RateLimiter) Wait(ctx context.Context, domain string) error {
	state := rl.getOrCreateState(domain)

	state.mu.Lock()
	pause := state.backoffUntil.Sub(rl.now())
	state.mu.Unlock()

	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return state.limiter.Wait(ctx)
}

// Throttled reports whether status is one of the configured throttling codes
func (rl *RateLimiter) Throttled(status int) bool {
	return slices.Contains(rl.cfg.RateLimitCodes, status)
}

// Update records the status of a finished request. It returns false once a domain
// has answered with throttling statuses more than MaxRetries times in a row.
func (rl *RateLimiter) Update(domain string, status int) bool {
	state := rl.getOrCreateState(domain)
	state.mu.Lock()
	defer state.mu.Unlock()

	if rl.Throttled(status) {
		state.failures++
		if state.failures > rl.cfg.MaxRetries {
			log.Warn().
				Str("domain", domain).
				Int("status", status).
				Int("failures", state.failures).
				Msg("Rate limit retries exhausted")
			return false
		}

		jitter := 0.75 + rl.float()*0.5
		delay := time.Duration(float64(state.delay) * 2 * jitter)
		if delay > rl.cfg.MaxDelay {
			delay = rl.cfg.MaxDelay
		}
		state.delay = delay
		state.backoffUntil = rl.now().Add(delay)
		state.limiter.SetLimit(limitFor(delay))

		log.Debug().
			Str("domain", domain).
			Int("status", status).
			Dur("delay", delay).
			Msg("Backing off throttled domain")
		return true
	}

	delay := time.Duration(float64(state.delay) * 0.75)
	if base := rl.baseDelay(); delay < base {
		delay = base
	}
	state.delay = delay
	state.failures = 0
	state.limiter.SetLimit(limitFor(delay))
	return true
}

// Delay returns the current pacing delay for domain
func (rl *RateLimiter) Delay(domain string) time.Duration {
	state := rl.getOrCreateState(domain)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.delay
}

// domainOf returns the host used to key rate limiting, or "" for URLs without one
func domainOf(rawURL string) string {
	if crawler.IsRawURL(rawURL) {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
