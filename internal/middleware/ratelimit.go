package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RatePolicy reports whether limiting is on and the allowed requests per
// minute. It is called on every request so live settings apply immediately.
type RatePolicy func() (enabled bool, perMinute int)

type limiterEntry struct {
	limiter   *rate.Limiter
	perMinute int
	lastSeen  time.Time
}

// RateLimiter provides per-client token bucket limiting
type RateLimiter struct {
	policy   RatePolicy
	keyFunc  func(*http.Request) string
	logger   *logrus.Logger
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter keyed by keyFunc
func NewRateLimiter(policy RatePolicy, keyFunc func(*http.Request) string, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		policy:   policy,
		keyFunc:  keyFunc,
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// getLimiter returns the limiter for key, rebuilding it when the limit changed
func (rl *RateLimiter) getLimiter(key string, perMinute int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists || entry.perMinute != perMinute {
		entry = &limiterEntry{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		rl.limiters[key] = entry
	}
	entry.lastSeen = rl.now()
	return entry.limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enabled, perMinute := rl.policy()
		if !enabled || perMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.keyFunc(r)
		if !rl.getLimiter(key, perMinute).Allow() {
			rl.logger.WithFields(logrus.Fields{
				"key":        key,
				"path":       r.URL.Path,
				"method":     r.Method,
				"per_minute": perMinute,
			}).Warn("Rate limit exceeded")

			interval := time.Minute / time.Duration(perMinute)
			w.Header().Set("Retry-After", strconv.Itoa(int(interval.Seconds())+1))
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup removes limiters idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup periodically drops idle limiters until ctx is cancelled
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup(interval)
			}
		}
	}()
}

// writeJSONError matches the API error envelope
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
