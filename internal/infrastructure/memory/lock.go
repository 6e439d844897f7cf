package memory

import (
	"context"
	"sync"
)

// Lock is an in-process set of held keys. Acquire never waits.
type Lock struct {
	mu         sync.Mutex
	inProgress map[string]struct{}
}

func NewLock() *Lock {
	return &Lock{inProgress: make(map[string]struct{})}
}

// TryAcquire claims key and reports false if it is already held.
func (l *Lock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.inProgress[key]; held {
		return false
	}
	l.inProgress[key] = struct{}{}
	return true
}

// Unlock drops key from the held set. Unlocking a key that is not held is a no-op.
func (l *Lock) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inProgress, key)
}

// Held reports whether key is currently claimed.
func (l *Lock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.inProgress[key]
	return held
}

// Acquire implements ports.DistributedLock for single-process deployments.
func (l *Lock) Acquire(_ context.Context, key string) (bool, error) {
	return l.TryAcquire(key), nil
}

// Release implements ports.DistributedLock.
func (l *Lock) Release(_ context.Context, key string) error {
	l.Unlock(key)
	return nil
}
