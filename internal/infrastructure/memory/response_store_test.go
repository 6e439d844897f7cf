package memory

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestResponseStore_LookupMissing(t *testing.T) {
	s := NewResponseStore(newFakeClock().Now)
	_, ok := s.Lookup("nope")
	require.False(t, ok)
}

func TestResponseStore_SaveThenLookup(t *testing.T) {
	clock := newFakeClock()
	s := NewResponseStore(clock.Now)
	s.Save("k", []byte("v"), 800*time.Millisecond)

	got, ok := s.Lookup("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	clock.Advance(time.Second)
	_, ok = s.Lookup("k")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestResponseStore_LastSaveWinsOnExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewResponseStore(clock.Now)
	s.Save("k", []byte("v"), 400*time.Second)
	s.Save("k", []byte("v"), time.Second)

	clock.Advance(2 * time.Second)
	_, ok := s.Lookup("k")
	require.False(t, ok)
}

func TestResponseStore_StaleHandleDoesNotEvictFresherValue(t *testing.T) {
	clock := newFakeClock()
	s := NewResponseStore(clock.Now)
	s.Save("k", []byte("old"), time.Second)
	s.Save("k", []byte("new"), time.Hour)

	clock.Advance(2 * time.Second)
	// the first handle is expired now; pruning it must keep the second value
	s.Save("other", []byte("x"), time.Minute)

	got, ok := s.Lookup("k")
	require.True(t, ok)
	require.Equal(t, []byte("new"), got)
	require.Len(t, s.expiries, 2)
}

func TestResponseStore_PruneRemovesOnlyExpiredPrefix(t *testing.T) {
	clock := newFakeClock()
	s := NewResponseStore(clock.Now)
	s.Save("c", []byte("3"), 3*time.Second)
	s.Save("a", []byte("1"), time.Second)
	s.Save("b", []byte("2"), 2*time.Second)

	require.Equal(t, "a", s.expiries[0].key, "earliest expiry must sit at the top of the index")

	clock.Advance(1500 * time.Millisecond)
	s.prune()
	require.Len(t, s.expiries, 2)
	require.Equal(t, 2, s.Len())

	_, ok := s.Lookup("a")
	require.False(t, ok)
	got, ok := s.Lookup("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), got)
}

func TestResponseStore_ManySavesPruneInExpiryOrder(t *testing.T) {
	clock := newFakeClock()
	s := NewResponseStore(clock.Now)
	const n = 500
	for i := n; i > 0; i-- {
		s.Save("k"+strconv.Itoa(i), []byte("v"), time.Duration(i)*time.Millisecond)
	}
	require.Len(t, s.expiries, n)

	for step := 1; step <= n; step++ {
		clock.Advance(time.Millisecond)
		s.prune()
		require.Len(t, s.expiries, n-step)
		require.Equal(t, n-step, s.Len())
		if len(s.expiries) > 0 {
			require.True(t, s.expiries[0].expireAt.After(clock.Now()))
		}
	}
}

func TestResponseStore_EqualExpiriesArePrunedTogether(t *testing.T) {
	clock := newFakeClock()
	s := NewResponseStore(clock.Now)
	for _, k := range []string{"a", "b", "c"} {
		s.Save(k, []byte(k), time.Second)
	}
	clock.Advance(time.Second)
	s.prune()
	require.Empty(t, s.expiries)
	require.Equal(t, 0, s.Len())
}
