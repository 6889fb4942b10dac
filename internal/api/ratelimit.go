package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultRequestsPerMinute bounds one device's API traffic. Gate checks
	// are cheap but a misbehaving client retry loop should not melt the
	// store.
	defaultRequestsPerMinute = 240
	defaultBurst             = 30

	limiterIdleTimeout = 10 * time.Minute
)

// apiLimiter bounds the device API routes. The webhook route is exempt so
// billing retries always land.
var apiLimiter = NewRateLimiter(defaultRequestsPerMinute, defaultBurst)

// limiterEntry holds the token bucket for one device (or client IP when
// auth is disabled).
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per caller key.
type RateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	limit       rate.Limit
	burst       int
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a rate limiter allowing perMinute requests per key
// with the given burst. It starts a background goroutine to drop idle
// entries.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	rl := &RateLimiter{
		entries:     make(map[string]*limiterEntry),
		limit:       rate.Limit(float64(perMinute) / 60.0),
		burst:       burst,
		stopCleanup: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()

	return rl
}

// Stop stops the cleanup routine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Allow reports whether a request for key is within the rate limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry := rl.entries[key]
	if entry == nil {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter.Allow()
}

// cleanup drops entries idle past limiterIdleTimeout so the map stays
// bounded by the set of recently active devices.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-limiterIdleTimeout)
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}

// RateLimit middleware rejects requests over the per-device budget. The
// limiter key is the authenticated device ID, falling back to client IP
// when auth is disabled.
func RateLimit(rl *RateLimiter, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := DeviceIDFromContext(r.Context())
		if key == "" {
			key = GetClientIP(r)
		}

		if !rl.Allow(key) {
			writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited", "Too many requests", nil)
			return
		}

		handler(w, r)
	}
}
