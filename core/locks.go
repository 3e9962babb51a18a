package core

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"pkt.systems/takopi/schema"
)

// LockRegistry hands out one mutual-exclusion semaphore per ThreadKey.
// The JSONL driver acquires the lock for the lifetime of a run so that
// two runs against the same engine thread can never interleave, even
// when the second arrives before the scheduler has learned the key.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*semaphore.Weighted)}
}

// For returns the semaphore for token's ThreadKey, creating it lazily.
func (r *LockRegistry) For(token schema.ResumeToken) *semaphore.Weighted {
	key := token.ThreadKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := r.locks[key]
	if lock == nil {
		lock = semaphore.NewWeighted(1)
		r.locks[key] = lock
	}
	return lock
}

// Acquire blocks until token's thread lock is held and returns a release
// function. Release is idempotent.
func (r *LockRegistry) Acquire(ctx context.Context, token schema.ResumeToken) (func(), error) {
	lock := r.For(token)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { lock.Release(1) }) }, nil
}
