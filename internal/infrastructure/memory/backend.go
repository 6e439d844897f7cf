// Package memory implements the single-process idempotency backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
	"github.com/avatarctic/idempo/internal/core/ports"
)

// Backend keeps locks and responses in process memory. Two processes using
// separate Backends do not see each other's requests.
type Backend struct {
	lock    *Lock
	storeMu sync.Mutex
	store   *ResponseStore
}

// NewBackend creates a memory backend using the wall clock.
func NewBackend() *Backend {
	return NewBackendWithClock(time.Now)
}

// NewBackendWithClock creates a memory backend reading time from now.
func NewBackendWithClock(now func() time.Time) *Backend {
	return &Backend{lock: NewLock(), store: NewResponseStore(now)}
}

// WithIdempotencyKey implements ports.IdempotencyBackend.
func (b *Backend) WithIdempotencyKey(ctx context.Context, requestKey string, fn func(store ports.IdempotencyStore) error) error {
	if !b.lock.TryAcquire(requestKey) {
		return idempotency.ErrConcurrentRequest
	}
	defer b.lock.Unlock(requestKey)
	return fn(&scopedStore{backend: b, key: requestKey})
}

// Prune is a no-op; the response store prunes on every access.
func (b *Backend) Prune(context.Context) error { return nil }

// Lookup returns the payload stored under requestKey.
func (b *Backend) Lookup(requestKey string) ([]byte, bool) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	return b.store.Lookup(requestKey)
}

// Save stores payload under requestKey for ttl, replacing any previous value.
func (b *Backend) Save(requestKey string, payload []byte, ttl time.Duration) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	b.store.Save(requestKey, payload, ttl)
}

type scopedStore struct {
	backend *Backend
	key     string
}

func (s *scopedStore) Lookup(context.Context) ([]byte, bool, error) {
	payload, ok := s.backend.Lookup(s.key)
	return payload, ok, nil
}

func (s *scopedStore) Store(_ context.Context, payload []byte, ttl time.Duration) error {
	s.backend.Save(s.key, payload, ttl)
	return nil
}
