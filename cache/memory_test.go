package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok := s.Get(ctx, "missing")
	assert.False(t, ok)

	s.Set(ctx, "k", []byte("v1"), time.Minute)
	got, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	s.Set(ctx, "k", []byte("v2"), time.Minute)
	got, ok = s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryStoreCopiesValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("abc")
	s.Set(ctx, "k", buf, time.Minute)
	buf[0] = 'z'

	got, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), 30*time.Minute)

	clock.Advance(30*time.Minute - time.Second)
	_, ok := s.Get(ctx, "k")
	assert.True(t, ok, "entry should still be live just before its TTL")

	clock.Advance(time.Second)
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok, "entry should be gone once its TTL has elapsed")
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreNonPositiveTTLDeletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), time.Minute)
	s.Set(ctx, "k", []byte("v"), 0)

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStoreInvalidatePattern(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "daily_agg:1:period=7days", []byte("a"), time.Hour)
	s.Set(ctx, "daily_agg:1:period=today", []byte("b"), time.Hour)
	s.Set(ctx, "daily_agg:2:period=7days", []byte("c"), time.Hour)
	s.Set(ctx, "top_posts:1:period=7days", []byte("d"), time.Hour)

	n, err := s.Invalidate(ctx, "daily_agg:1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := s.Get(ctx, "daily_agg:1:period=7days")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "daily_agg:1:period=today")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "daily_agg:2:period=7days")
	assert.True(t, ok)
	_, ok = s.Get(ctx, "top_posts:1:period=7days")
	assert.True(t, ok)

	// Invalidating again is a success with nothing to remove.
	n, err = s.Invalidate(ctx, "daily_agg:1:*")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStoreInvalidateSkipsExpiredInCount(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	s.Set(ctx, "a:1", []byte("x"), time.Minute)
	s.Set(ctx, "a:2", []byte("x"), time.Hour)
	clock.Advance(2 * time.Minute)

	n, err := s.Invalidate(ctx, "a:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	s.Set(ctx, "short", []byte("x"), time.Minute)
	s.Set(ctx, "long", []byte("x"), time.Hour)
	clock.Advance(5 * time.Minute)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreSetSweepsExpired(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(time.Minute))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		s.Set(ctx, fmt.Sprintf("daily_agg:clientId=%d", i), []byte("x"), 15*time.Minute)
	}
	s.Set(ctx, "long", []byte("x"), time.Hour)
	assert.Equal(t, 101, s.Len())

	// Before the sweep interval elapses nothing is swept.
	clock.Advance(30 * time.Second)
	s.Set(ctx, "other", []byte("x"), time.Hour)
	assert.Equal(t, 102, s.Len())

	clock.Advance(20 * time.Minute)
	s.Set(ctx, "fresh", []byte("x"), time.Hour)
	assert.Equal(t, 3, s.Len())
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set(ctx, "k", []byte("v"), time.Minute)
			s.Get(ctx, "k")
			s.Invalidate(ctx, "nope:*")
		}()
	}
	wg.Wait()

	_, ok := s.Get(ctx, "k")
	assert.True(t, ok)
}
