// Package local provides single-process implementations of the cache
// interfaces for deployments without Redis.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/bidround/internal/domain"
)

type lease struct {
	token   uint64
	expires time.Time
}

// LockManager implements domain.LockManager with an in-process lease table.
// A lease that outlives its TTL may be taken over by the next caller.
type LockManager struct {
	mu     sync.Mutex
	leases map[string]lease
	next   uint64
	nowFn  func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		leases: make(map[string]lease),
		nowFn:  time.Now,
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The
// returned unlock function is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.nowFn()
	if l, ok := lm.leases[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	lm.next++
	token := lm.next
	lm.leases[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if l, ok := lm.leases[key]; ok && l.token == token {
				delete(lm.leases, key)
			}
		})
	}, nil
}

// Held reports how many unexpired leases exist.
func (lm *LockManager) Held() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := lm.nowFn()
	n := 0
	for _, l := range lm.leases {
		if now.Before(l.expires) {
			n++
		}
	}
	return n
}

var _ domain.LockManager = (*LockManager)(nil)
