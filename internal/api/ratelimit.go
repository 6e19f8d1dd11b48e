package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/amurg-ai/huddle/internal/metrics"
)

// rateLimiter hands out request allowances per key (user id or client
// address). Each key refills at rate per second up to burst.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*allowance
	rate    float64
	burst   float64
}

type allowance struct {
	left float64
	seen time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*allowance),
		rate:    perSecond,
		burst:   float64(burst),
	}
}

// allow spends one request for key, reporting false when key has none left.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	a := rl.buckets[key]
	if a == nil {
		a = &allowance{left: rl.burst, seen: now}
		rl.buckets[key] = a
	}
	a.left = min(rl.burst, a.left+now.Sub(a.seen).Seconds()*rl.rate)
	a.seen = now
	if a.left < 1 {
		return false
	}
	a.left--
	return true
}

// cleanup forgets keys not seen for maxIdle and returns how many it dropped.
func (rl *rateLimiter) cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	dropped := 0
	for key, a := range rl.buckets {
		if a.seen.Before(cutoff) {
			delete(rl.buckets, key)
			dropped++
		}
	}
	return dropped
}

// StartCleanup runs cleanup on a ticker until ctx ends.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.cleanup(maxIdle); n > 0 {
					metrics.RateLimitKeysPruned.Add(float64(n))
				}
			}
		}
	}()
}

// limitBy rejects requests with 429 once the key chosen by keyOf runs out.
// An empty key is not limited. scope labels the rejection metric.
func limitBy(rl *rateLimiter, scope, message string, keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyOf(r); key != "" && !rl.allow(key) {
				metrics.RateLimitHits.WithLabelValues(scope).Inc()
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loginIPRateLimitMiddleware limits account endpoints per client address.
// chimw.RealIP runs first, so RemoteAddr already reflects proxy headers.
func loginIPRateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return limitBy(rl, "login", "too many login attempts", func(r *http.Request) string {
		return r.RemoteAddr
	})
}

// rateLimitMiddleware limits authenticated routes per user.
func rateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return limitBy(rl, "api", "rate limit exceeded", func(r *http.Request) string {
		if id := getIdentityFromContext(r.Context()); id != nil {
			return id.UserID
		}
		return ""
	})
}
