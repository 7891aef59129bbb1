package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-client-IP sliding window on the control-plane
// mutation endpoints. The sync engine has its own 10 s manual-trigger guard;
// this keeps a misbehaving script from hammering the rest of the surface.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	maxPerMinute int
	logger       *log.Logger
}

type window struct {
	count int
	start time.Time
}

func NewRateLimiter(maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	rl := &RateLimiter{
		windows:      make(map[string]*window),
		maxPerMinute: maxPerMinute,
		logger:       log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from key is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.maxPerMinute {
		rl.logger.Printf("🚫 rate limit exceeded: key=%s count=%d limit=%d", key, w.count, rl.maxPerMinute)
		return false
	}
	return true
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	for range time.Tick(time.Minute) {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.start.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
