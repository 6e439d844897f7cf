package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/avatarctic/idempo/internal/core/ports"
)

// DistributedLockMock is a lightweight mock for DistributedLock
type DistributedLockMock struct {
	AcquireFn func(ctx context.Context, key string) (bool, error)
	ReleaseFn func(ctx context.Context, key string) error

	mu       sync.Mutex
	Released []string
}

func (m *DistributedLockMock) Acquire(ctx context.Context, key string) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(ctx, key)
	}
	return true, nil
}
func (m *DistributedLockMock) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	m.Released = append(m.Released, key)
	m.mu.Unlock()
	if m.ReleaseFn != nil {
		return m.ReleaseFn(ctx, key)
	}
	return nil
}

// IdempotencyStoreMock is a lightweight mock for IdempotencyStore
type IdempotencyStoreMock struct {
	LookupFn func(ctx context.Context) ([]byte, bool, error)
	StoreFn  func(ctx context.Context, payload []byte, ttl time.Duration) error
}

func (m *IdempotencyStoreMock) Lookup(ctx context.Context) ([]byte, bool, error) {
	if m.LookupFn != nil {
		return m.LookupFn(ctx)
	}
	return nil, false, nil
}
func (m *IdempotencyStoreMock) Store(ctx context.Context, payload []byte, ttl time.Duration) error {
	if m.StoreFn != nil {
		return m.StoreFn(ctx, payload, ttl)
	}
	return nil
}

// IdempotencyBackendMock is a lightweight mock for IdempotencyBackend. With no
// WithIdempotencyKeyFn it runs fn against Store (or an empty store).
type IdempotencyBackendMock struct {
	WithIdempotencyKeyFn func(ctx context.Context, requestKey string, fn func(store ports.IdempotencyStore) error) error
	PruneFn              func(ctx context.Context) error
	Store                ports.IdempotencyStore

	mu     sync.Mutex
	Keys   []string
	Prunes int
}

func (m *IdempotencyBackendMock) WithIdempotencyKey(ctx context.Context, requestKey string, fn func(store ports.IdempotencyStore) error) error {
	m.mu.Lock()
	m.Keys = append(m.Keys, requestKey)
	m.mu.Unlock()
	if m.WithIdempotencyKeyFn != nil {
		return m.WithIdempotencyKeyFn(ctx, requestKey, fn)
	}
	store := m.Store
	if store == nil {
		store = &IdempotencyStoreMock{}
	}
	return fn(store)
}
func (m *IdempotencyBackendMock) Prune(ctx context.Context) error {
	m.mu.Lock()
	m.Prunes++
	m.mu.Unlock()
	if m.PruneFn != nil {
		return m.PruneFn(ctx)
	}
	return nil
}

// PruneCount returns how many times Prune was called.
func (m *IdempotencyBackendMock) PruneCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Prunes
}

// IdempotencyMetricsMock records metric calls
type IdempotencyMetricsMock struct {
	mu        sync.Mutex
	Served    []string
	Generated []int
}

func (m *IdempotencyMetricsMock) ResponseServed(from string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Served = append(m.Served, from)
}
func (m *IdempotencyMetricsMock) ResponseGenerated(sizeBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Generated = append(m.Generated, sizeBytes)
}

// ServedFrom returns a copy of the recorded served-from labels.
func (m *IdempotencyMetricsMock) ServedFrom() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Served...)
}

var (
	_ ports.DistributedLock    = (*DistributedLockMock)(nil)
	_ ports.IdempotencyStore   = (*IdempotencyStoreMock)(nil)
	_ ports.IdempotencyBackend = (*IdempotencyBackendMock)(nil)
	_ ports.IdempotencyMetrics = (*IdempotencyMetricsMock)(nil)
)
