package aggcache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryhazerus/aggcache/cache"
	"github.com/ryhazerus/aggcache/source"
)

// fixedNow is "today" in every engine test: 2025-01-10.
var fixedNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: fixedNow}
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

// fakeReader serves canned slices keyed by period and counts calls.
type fakeReader struct {
	mu       sync.Mutex
	rows     map[string][]source.Row
	exists   bool
	readErr  error
	probeErr error
	block    bool // wait for ctx to end before answering
	reads    int
	probes   int
	last     source.SliceQuery
}

func (f *fakeReader) ReadSlice(ctx context.Context, q source.SliceQuery) (source.Slice, error) {
	f.mu.Lock()
	f.reads++
	f.last = q
	rows, err, block := slices.Clone(f.rows[q.Period]), f.readErr, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return source.Slice{}, ctx.Err()
	}
	if err != nil {
		return source.Slice{}, err
	}
	return source.Slice{
		ClientID:   q.ClientID,
		Platform:   q.Platform,
		Period:     q.Period,
		Rows:       rows,
		ComputedAt: fixedNow.Add(-2 * time.Hour),
	}, nil
}

func (f *fakeReader) RowExistsForCurrentPeriod(_ context.Context, q source.SliceQuery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.exists, f.probeErr
}

func (f *fakeReader) counts() (reads, probes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.probes
}

// rebuildingReader adds a rebuild capability to fakeReader.
type rebuildingReader struct {
	fakeReader
	mu       sync.Mutex
	fail     map[string]error
	panics   map[string]bool
	rebuilds []string
}

func (r *rebuildingReader) Rebuild(_ context.Context, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilds = append(r.rebuilds, target)
	if r.panics[target] {
		panic("rebuild exploded")
	}
	return r.fail[target]
}

// fakeRaw filters an in-memory record set the way a SQL source would.
type fakeRaw struct {
	mu      sync.Mutex
	records []source.Record
	err     error
	block   chan struct{} // if set, QueryRaw waits on it or ctx
	calls   int
	last    source.RawQuery
}

func (f *fakeRaw) QueryRaw(ctx context.Context, q source.RawQuery) ([]source.Record, error) {
	f.mu.Lock()
	f.calls++
	f.last = q
	block, err := f.block, f.err
	records := slices.Clone(f.records)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var out []source.Record
	for _, r := range records {
		if r.ClientID != q.ClientID {
			continue
		}
		if q.Platform != "all" && q.Platform != "" && r.Platform != q.Platform {
			continue
		}
		if r.Day < q.Range.StartDay() || r.Day > q.Range.EndDay() {
			continue
		}
		if len(q.Accounts) > 0 && !slices.Contains(q.Accounts, r.AccountID) {
			continue
		}
		out = append(out, r)
	}

	slices.SortFunc(out, func(a, b source.Record) int {
		if q.OrderBy == source.OrderViewsDesc && a.Views != b.Views {
			if a.Views > b.Views {
				return -1
			}
			return 1
		}
		if q.OrderBy == source.OrderDayAsc && a.Day != b.Day {
			return strings.Compare(a.Day, b.Day)
		}
		return strings.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeRaw) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingStore wraps a cache.Store and counts operations.
type countingStore struct {
	cache.Store
	mu   sync.Mutex
	gets int
	sets int
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Store.Get(ctx, key)
}

func (c *countingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	c.Store.Set(ctx, key, value, ttl)
}

func (c *countingStore) counts() (gets, sets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.sets
}

// downStore is a cache whose backend is unreachable.
type downStore struct {
	gets int
}

func (d *downStore) Get(context.Context, string) ([]byte, bool) {
	d.gets++
	return nil, false
}

func (d *downStore) Set(context.Context, string, []byte, time.Duration) {}

func (d *downStore) Invalidate(context.Context, string) (int, error) {
	return 0, cache.ErrUnavailable
}

func (d *downStore) Ready() bool {
	return false
}

func (d *downStore) Close() error {
	return nil
}

// failingStore is ready but fails invalidation.
type failingStore struct {
	*cache.MemoryStore
}

func (failingStore) Invalidate(context.Context, string) (int, error) {
	return 0, cache.ErrUnavailable
}

func newTestEngine(t *testing.T, reader source.AggregateReader, raw source.RawSource, opts ...Option) *Engine {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e := New(reader, raw, opts...)
	for _, v := range DefaultViews() {
		require.NoError(t, e.Register(v))
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func dailyRows(days ...string) []source.Row {
	rows := make([]source.Row, len(days))
	for i, d := range days {
		rows[i] = source.Row{Key: d, Views: int64(100 * (i + 1)), Posts: 1, Engagement: int64(i)}
	}
	return rows
}

func rowKeys(rows []source.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}
