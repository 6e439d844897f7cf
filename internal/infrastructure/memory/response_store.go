package memory

import (
	"container/heap"
	"time"
)

type storedResponse struct {
	payload  []byte
	expireAt time.Time
}

type expiryHandle struct {
	key      string
	expireAt time.Time
	seq      uint64
}

// expiryIndex is a min-heap of handles ordered by expireAt, then by save order.
type expiryIndex []expiryHandle

func (x expiryIndex) Len() int { return len(x) }

func (x expiryIndex) Less(i, j int) bool {
	if x[i].expireAt.Equal(x[j].expireAt) {
		return x[i].seq < x[j].seq
	}
	return x[i].expireAt.Before(x[j].expireAt)
}

func (x expiryIndex) Swap(i, j int) { x[i], x[j] = x[j], x[i] }

func (x *expiryIndex) Push(v any) { *x = append(*x, v.(expiryHandle)) }

func (x *expiryIndex) Pop() any {
	old := *x
	n := len(old)
	h := old[n-1]
	old[n-1] = expiryHandle{}
	*x = old[:n-1]
	return h
}

// ResponseStore is a TTL key-value map for serialized responses.
//
// Expiry handles live in a min-heap on expireAt, so a save costs O(log n) and
// pruning only touches expired handles. A key stored twice has two handles;
// only the handle that matches the current value's expiry may evict it.
//
// ResponseStore is not safe for concurrent use; Backend guards it.
type ResponseStore struct {
	values   map[string]storedResponse
	expiries expiryIndex
	seq      uint64
	now      func() time.Time
}

// NewResponseStore creates an empty store reading time from now. A nil now uses time.Now.
func NewResponseStore(now func() time.Time) *ResponseStore {
	if now == nil {
		now = time.Now
	}
	return &ResponseStore{values: make(map[string]storedResponse), now: now}
}

// Save replaces the value and expiry stored for key.
func (s *ResponseStore) Save(key string, payload []byte, ttl time.Duration) {
	s.prune()
	expireAt := s.now().Add(ttl)
	s.seq++
	heap.Push(&s.expiries, expiryHandle{key: key, expireAt: expireAt, seq: s.seq})
	s.values[key] = storedResponse{payload: payload, expireAt: expireAt}
}

// Lookup returns the payload for key if it has not expired yet.
func (s *ResponseStore) Lookup(key string) ([]byte, bool) {
	s.prune()
	stored, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if stored.expireAt.After(s.now()) {
		return stored.payload, true
	}
	delete(s.values, key)
	return nil, false
}

// Len returns the number of keys currently held, expired or not.
func (s *ResponseStore) Len() int {
	return len(s.values)
}

func (s *ResponseStore) prune() {
	now := s.now()
	for len(s.expiries) > 0 && !s.expiries[0].expireAt.After(now) {
		h := heap.Pop(&s.expiries).(expiryHandle)
		// a stale handle must not evict a value stored again with a later expiry
		if v, ok := s.values[h.key]; ok && !v.expireAt.After(now) {
			delete(s.values, h.key)
		}
	}
}
