package ports

import (
	"context"
	"time"
)

// IdempotencyStore is the storage handle scoped to one locked request key.
// It is only valid inside the callback passed to WithIdempotencyKey.
type IdempotencyStore interface {
	// Lookup returns the persisted payload. ok=false if nothing is stored or it expired.
	Lookup(ctx context.Context) (payload []byte, ok bool, err error)
	// Store replaces whatever is persisted for the key. Implementations may skip
	// the write when they can prove the lock was lost in the meantime.
	Store(ctx context.Context, payload []byte, ttl time.Duration) error
}

// IdempotencyBackend coordinates locking and storage for request fingerprints.
// Implementations MUST be safe for concurrent use.
type IdempotencyBackend interface {
	// WithIdempotencyKey runs fn while holding the lock for requestKey. It makes a
	// single non-blocking attempt and returns idempotency.ErrConcurrentRequest if
	// the lock is held elsewhere. The lock is released on every exit path.
	WithIdempotencyKey(ctx context.Context, requestKey string, fn func(store IdempotencyStore) error) error
	// Prune removes expired entries. No-op where the substrate expires entries itself.
	Prune(ctx context.Context) error
}

// DistributedLock is a one-shot, non-waiting mutual exclusion primitive keyed by string.
type DistributedLock interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// IdempotencyMetrics receives fire-and-forget observations from the middleware.
type IdempotencyMetrics interface {
	ResponseServed(from string)
	ResponseGenerated(sizeBytes int)
}
