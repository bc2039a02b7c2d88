package cache

import (
	"context"
	"time"
)

// Compile-time interface check.
var _ Store = (*TieredStore)(nil)

// DefaultL1TTL caps how long an entry lives in the first-level store.
const DefaultL1TTL = time.Minute

// TieredStore wraps an in-memory store (fast path) in front of a shared
// second-level store such as Redis. Writes go to both (write-through); reads
// check memory first and fall back to the second level on a miss, backfilling
// memory.
//
// L1 entries live for at most the L1 TTL so that an invalidation issued by
// another process through the shared store is observed within that bound.
type TieredStore struct {
	memory *MemoryStore
	shared Store
	l1TTL  time.Duration
}

// NewTieredStore creates a TieredStore backed by the given shared store.
// An internal MemoryStore is created automatically. A non-positive l1TTL
// selects DefaultL1TTL.
func NewTieredStore(shared Store, l1TTL time.Duration, opts ...MemoryOption) *TieredStore {
	if l1TTL <= 0 {
		l1TTL = DefaultL1TTL
	}
	return &TieredStore{
		memory: NewMemoryStore(opts...),
		shared: shared,
		l1TTL:  l1TTL,
	}
}

// Get reads from memory first. On a miss it falls back to the shared store
// and backfills memory.
func (t *TieredStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := t.memory.Get(ctx, key); ok {
		return v, true
	}

	// Memory miss, read from the shared store.
	v, ok := t.shared.Get(ctx, key)
	if !ok {
		return nil, false
	}
	t.memory.Set(ctx, key, v, t.l1TTL)
	return v, true
}

// Set writes through to both stores. The memory copy is capped at the L1 TTL.
func (t *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	t.memory.Set(ctx, key, value, min(ttl, t.l1TTL))
	t.shared.Set(ctx, key, value, ttl)
}

// Invalidate removes matching keys from both stores. The returned count is
// the shared store's when it is reachable, since it is authoritative across
// processes, and the memory count otherwise.
func (t *TieredStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	local, _ := t.memory.Invalidate(ctx, pattern)

	if !t.shared.Ready() {
		return local, nil
	}
	n, err := t.shared.Invalidate(ctx, pattern)
	if err != nil {
		return local, err
	}
	return n, nil
}

// Ready reports true: the memory tier is always usable.
func (t *TieredStore) Ready() bool {
	return true
}

// Close closes the shared store. The in-memory store needs no cleanup.
func (t *TieredStore) Close() error {
	return t.shared.Close()
}
