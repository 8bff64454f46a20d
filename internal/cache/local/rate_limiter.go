package local

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/bidround/internal/domain"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements domain.RateLimiter with one token bucket per key.
// The bucket refills limit tokens per window and bursts up to limit.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	idle    time.Duration
}

// NewRateLimiter creates a RateLimiter that forgets keys idle for longer
// than idle.
func NewRateLimiter(idle time.Duration) *RateLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &RateLimiter{buckets: make(map[string]*limiterEntry), idle: idle}
}

func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.buckets[key]
	if !ok {
		perSecond := float64(limit) / window.Seconds()
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), limit)}
		rl.buckets[key] = entry
	}
	entry.lastSeen = now
	rl.sweep(now)
	return entry.limiter.AllowN(now, 1), nil
}

func (rl *RateLimiter) sweep(now time.Time) {
	for k, e := range rl.buckets {
		if now.Sub(e.lastSeen) > rl.idle {
			delete(rl.buckets, k)
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
