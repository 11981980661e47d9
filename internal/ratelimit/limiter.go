// Package ratelimit enforces per-session send caps over a trailing window.
package ratelimit

import (
	"sync"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/models"
)

// Limiter keeps a log of send times per session. A session may send when
// fewer than its platform cap sends happened within the trailing window.
type Limiter struct {
	mu         sync.Mutex
	clock      clock.Clock
	window     time.Duration
	caps       map[models.Platform]int
	defaultCap int
	logs       map[string][]time.Time
}

// New creates a limiter. Platforms missing from caps use defaultCap.
func New(c clock.Clock, window time.Duration, caps map[models.Platform]int, defaultCap int) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	l := &Limiter{
		clock:      c,
		window:     window,
		defaultCap: defaultCap,
		logs:       make(map[string][]time.Time),
	}
	l.SetCaps(caps)
	return l
}

// SetCaps replaces the per-platform caps. Used by config hot reload.
func (l *Limiter) SetCaps(caps map[models.Platform]int) {
	copied := make(map[models.Platform]int, len(caps))
	for p, c := range caps {
		copied[p] = c
	}
	l.mu.Lock()
	l.caps = copied
	l.mu.Unlock()
}

// Cap returns the effective cap for platform.
func (l *Limiter) Cap(platform models.Platform) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capLocked(platform)
}

func (l *Limiter) capLocked(platform models.Platform) int {
	if c, ok := l.caps[platform]; ok {
		return c
	}
	return l.defaultCap
}

// Available reports whether key may send now.
func (l *Limiter) Available(key string, platform models.Platform) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key)) < l.capLocked(platform)
}

// Record counts a completed send against key.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs[key] = append(l.pruneLocked(key), l.clock.Now())
}

// Usage returns how many sends key made within the current window.
func (l *Limiter) Usage(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key))
}

func (l *Limiter) pruneLocked(key string) []time.Time {
	log := l.logs[key]
	cutoff := l.clock.Now().Add(-l.window)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		log = append(log[:0], log[i:]...)
		if len(log) == 0 {
			delete(l.logs, key)
			return nil
		}
		l.logs[key] = log
	}
	return log
}
