package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation.
// It is safe for concurrent use. Entries are lost on process restart.
//
// Expired entries are dropped when read, and Set sweeps the whole map at
// most once per sweep interval so keys that are never read again do not
// accumulate.
type MemoryStore struct {
	mu            sync.Mutex
	entries       map[string]entry
	now           func() time.Time
	sweepInterval time.Duration
	nextSweep     time.Time
}

// DefaultSweepInterval is how often Set sweeps expired entries.
const DefaultSweepInterval = time.Minute

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used for expiry. Tests inject a fake clock to
// move past a TTL without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// WithSweepInterval sets how often Set sweeps expired entries. A
// non-positive interval sweeps on every Set.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.sweepInterval = d
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries:       make(map[string]entry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, o := range opts {
		o(m)
	}
	m.nextSweep = m.now().Add(m.sweepInterval)
	return m
}

// Get returns the value stored under key if it has not expired. Expired
// entries are dropped on access.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a copy of value under key for ttl. A non-positive ttl removes
// the key.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !now.Before(m.nextSweep) {
		m.sweepLocked(now)
		m.nextSweep = now.Add(m.sweepInterval)
	}

	if ttl <= 0 {
		delete(m.entries, key)
		return
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = entry{value: v, expiresAt: now.Add(ttl)}
}

// Invalidate removes every live key matching pattern.
func (m *MemoryStore) Invalidate(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for key, e := range m.entries {
		if !Match(pattern, key) {
			continue
		}
		if now.Before(e.expiresAt) {
			n++
		}
		delete(m.entries, key)
	}
	return n, nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

func (m *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of entries held, including expired ones not yet
// swept.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Ready always reports true for the in-memory store.
func (m *MemoryStore) Ready() bool {
	return true
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
