package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
	"github.com/avatarctic/idempo/internal/core/ports"
	"github.com/avatarctic/idempo/internal/infrastructure/memory"
)

func TestLock_TryAcquireAndUnlock(t *testing.T) {
	l := memory.NewLock()
	require.True(t, l.TryAcquire("a"))
	require.False(t, l.TryAcquire("a"))
	require.True(t, l.TryAcquire("b"))
	require.True(t, l.Held("a"))

	l.Unlock("a")
	l.Unlock("a")
	require.False(t, l.Held("a"))
	require.True(t, l.TryAcquire("a"))
}

func TestBackend_StoresAndLooksUp(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBackend()

	err := b.WithIdempotencyKey(ctx, "req", func(store ports.IdempotencyStore) error {
		_, ok, err := store.Lookup(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		return store.Store(ctx, []byte("payload"), time.Minute)
	})
	require.NoError(t, err)

	err = b.WithIdempotencyKey(ctx, "req", func(store ports.IdempotencyStore) error {
		got, ok, err := store.Lookup(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("payload"), got)
		return nil
	})
	require.NoError(t, err)
}

func TestBackend_ProvidesLocking(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBackend()

	held := make(chan struct{})
	finish := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.WithIdempotencyKey(ctx, "first", func(ports.IdempotencyStore) error {
			close(held)
			<-finish
			return nil
		})
	}()
	<-held

	err := b.WithIdempotencyKey(ctx, "first", func(ports.IdempotencyStore) error {
		t.Fatal("must not run while the lock is held")
		return nil
	})
	require.ErrorIs(t, err, idempotency.ErrConcurrentRequest)

	close(finish)
	wg.Wait()

	ran := false
	err = b.WithIdempotencyKey(ctx, "first", func(ports.IdempotencyStore) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestBackend_ReleasesLockOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBackend()
	boom := errors.New("boom")

	err := b.WithIdempotencyKey(ctx, "k", func(ports.IdempotencyStore) error { return boom })
	require.ErrorIs(t, err, boom)

	require.Panics(t, func() {
		_ = b.WithIdempotencyKey(ctx, "k", func(ports.IdempotencyStore) error { panic("handler exploded") })
	})

	err = b.WithIdempotencyKey(ctx, "k", func(ports.IdempotencyStore) error { return nil })
	require.NoError(t, err)
}

func TestBackend_ExpiresWithClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := memory.NewBackendWithClock(func() time.Time { return now })

	b.Save("k", []byte("v"), 400*time.Second)
	b.Save("k", []byte("v"), time.Second)
	now = now.Add(2 * time.Second)

	_, ok := b.Lookup("k")
	require.False(t, ok)
	require.NoError(t, b.Prune(context.Background()))
}
