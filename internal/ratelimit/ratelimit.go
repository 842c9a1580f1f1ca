// Package ratelimit throttles requests per client with token buckets.
package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patric-chuzhbe/merneats/internal/logger"
)

const staleBucketAge = 10 * time.Minute

// Limiter keeps one token bucket per key. A zero perMinute disables it.
type Limiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	buckets   map[string]*bucket
	now       func() time.Time
	lastPrune time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a limiter refilling perMinute tokens per minute up to burst.
func New(perMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}

	return &Limiter{
		rate:    float64(perMinute) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter ever refuses requests.
func (l *Limiter) Enabled() bool {
	return l.rate > 0
}

// Allow takes a token for key. When none is left it reports how long until
// the next one.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, last: now}
		return true, 0
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return false, wait
	}
	b.tokens--

	return true, 0
}

func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < staleBucketAge {
		return
	}
	l.lastPrune = now
	for key, b := range l.buckets {
		if now.Sub(b.last) > staleBucketAge {
			delete(l.buckets, key)
		}
	}
}

// Middleware refuses requests over the limit with 429 and a Retry-After header.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, wait := l.Allow(keyFunc(r))
			if !allowed {
				seconds := int(math.Ceil(wait.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				err := json.NewEncoder(w).Encode(map[string]string{"message": "Too many requests"})
				if err != nil {
					logger.Log.Debugln("Error calling the `json.NewEncoder().Encode()`: ", zap.Error(err))
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
