package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles management API calls per client IP. Each IP gets a
// token bucket refilling limit tokens per window with a burst of limit.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		visitors: make(map[string]*visitor),
		lastGC:   time.Now(),
	}
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	if now.Sub(rl.lastGC) > rl.window {
		rl.gcLocked(now)
	}
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// gcLocked drops visitors idle for longer than a window; their buckets are
// full again by then.
func (rl *RateLimiter) gcLocked(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.window {
			delete(rl.visitors, ip)
		}
	}
	rl.lastGC = now
}

// Visitors returns how many client IPs are tracked.
func (rl *RateLimiter) Visitors() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
