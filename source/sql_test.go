package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestSQLiteSource(t *testing.T) *SQLSource {
	t.Helper()
	s, err := NewSQLiteSource(":memory:", WithSQLClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPosts(t *testing.T, s *SQLSource) {
	t.Helper()
	require.NoError(t, s.PutRecords(context.Background(),
		Record{ID: "p1", ClientID: "1", AccountID: "a1", Platform: "tiktok", Day: "2025-01-01", Views: 100, Likes: 10, Comments: 2, Shares: 1},
		Record{ID: "p2", ClientID: "1", AccountID: "a2", Platform: "tiktok", Day: "2025-01-01", Views: 50, Likes: 5},
		Record{ID: "p3", ClientID: "1", AccountID: "a1", Platform: "instagram", Day: "2025-01-02", Views: 100, Likes: 20},
		Record{ID: "p4", ClientID: "1", AccountID: "a2", Platform: "tiktok", Day: "2025-01-03", Views: 300},
		Record{ID: "p5", ClientID: "2", AccountID: "b1", Platform: "tiktok", Day: "2025-01-02", Views: 999},
	))
}

func dayRange(t *testing.T, start, end string) DateRange {
	t.Helper()
	s, err := time.Parse(DayLayout, start)
	require.NoError(t, err)
	e, err := time.Parse(DayLayout, end)
	require.NoError(t, err)
	return DateRange{Start: s, End: e}
}

func TestSQLiteQueryRaw(t *testing.T) {
	s := newTestSQLiteSource(t)
	seedPosts(t, s)
	ctx := context.Background()

	t.Run("day order across platforms", func(t *testing.T) {
		got, err := s.QueryRaw(ctx, RawQuery{ClientID: "1", Platform: "all", Range: dayRange(t, "2025-01-01", "2025-01-03")})
		require.NoError(t, err)
		ids := recordIDs(got)
		assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, ids)
	})

	t.Run("platform and account filters", func(t *testing.T) {
		got, err := s.QueryRaw(ctx, RawQuery{
			ClientID: "1",
			Platform: "tiktok",
			Range:    dayRange(t, "2025-01-01", "2025-01-03"),
			Accounts: []string{"a2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2", "p4"}, recordIDs(got))
	})

	t.Run("views order with limit breaks ties by id", func(t *testing.T) {
		got, err := s.QueryRaw(ctx, RawQuery{
			ClientID: "1",
			Platform: "all",
			Range:    dayRange(t, "2025-01-01", "2025-01-03"),
			OrderBy:  OrderViewsDesc,
			Limit:    3,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p4", "p1", "p3"}, recordIDs(got))
	})

	t.Run("empty range", func(t *testing.T) {
		got, err := s.QueryRaw(ctx, RawQuery{ClientID: "1", Platform: "all", Range: dayRange(t, "2024-01-01", "2024-01-02")})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSQLiteReadSliceBeforeRebuildIsEmpty(t *testing.T) {
	s := newTestSQLiteSource(t)
	seedPosts(t, s)

	slice, err := s.ReadSlice(context.Background(), SliceQuery{
		View:     ViewDailyAgg,
		ClientID: "1",
		Platform: "all",
		Range:    dayRange(t, "2025-01-01", "2025-01-03"),
	})
	require.NoError(t, err)
	assert.Empty(t, slice.Rows)
	assert.True(t, slice.ComputedAt.IsZero())
}

func TestSQLiteRebuildDailyAgg(t *testing.T) {
	s := newTestSQLiteSource(t)
	seedPosts(t, s)
	ctx := context.Background()

	require.NoError(t, s.Rebuild(ctx, TargetDailyAgg))

	slice, err := s.ReadSlice(ctx, SliceQuery{
		View:     ViewDailyAgg,
		ClientID: "1",
		Platform: "all",
		Period:   "custom_range",
		Range:    dayRange(t, "2025-01-01", "2025-01-03"),
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{Key: "2025-01-01", Views: 150, Posts: 2, Engagement: 18},
		{Key: "2025-01-02", Views: 100, Posts: 1, Engagement: 20},
		{Key: "2025-01-03", Views: 300, Posts: 1, Engagement: 0},
	}, slice.Rows)
	assert.True(t, slice.ComputedAt.Equal(fixedNow), "computedAt = %v", slice.ComputedAt)

	tiktok, err := s.ReadSlice(ctx, SliceQuery{
		View:     ViewDailyAgg,
		ClientID: "1",
		Platform: "tiktok",
		Range:    dayRange(t, "2025-01-02", "2025-01-02"),
	})
	require.NoError(t, err)
	assert.Empty(t, tiktok.Rows)
}

func TestSQLiteRebuildIsRepeatable(t *testing.T) {
	s := newTestSQLiteSource(t)
	seedPosts(t, s)
	ctx := context.Background()

	require.NoError(t, s.Rebuild(ctx, TargetDailyAgg))
	require.NoError(t, s.Rebuild(ctx, TargetDailyAgg))

	slice, err := s.ReadSlice(ctx, SliceQuery{
		View:     ViewDailyAgg,
		ClientID: "1",
		Platform: "all",
		Range:    dayRange(t, "2025-01-01", "2025-01-01"),
	})
	require.NoError(t, err)
	require.Len(t, slice.Rows, 1)
	assert.Equal(t, int64(150), slice.Rows[0].Views)
}

func TestSQLiteTopPostsAndAccounts(t *testing.T) {
	s := newTestSQLiteSource(t)
	seedPosts(t, s)
	ctx := context.Background()
	require.NoError(t, s.Rebuild(ctx, TargetPostAgg))

	posts, err := s.ReadSlice(ctx, SliceQuery{
		View:     ViewTopPosts,
		ClientID: "1",
		Platform: "all",
		Range:    dayRange(t, "2025-01-01", "2025-01-03"),
		Limit:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{Key: "p4", Views: 300, Posts: 1, Engagement: 0},
		{Key: "p1", Views: 100, Posts: 1, Engagement: 13},
		{Key: "p3", Views: 100, Posts: 1, Engagement: 20},
	}, posts.Rows)

	accounts, err := s.ReadSlice(ctx, SliceQuery{
		View:     ViewTopAccounts,
		ClientID: "1",
		Platform: "all",
		Range:    dayRange(t, "2025-01-01", "2025-01-03"),
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{Key: "a2", Views: 350, Posts: 2, Engagement: 5},
		{Key: "a1", Views: 200, Posts: 2, Engagement: 33},
	}, accounts.Rows)
}

func TestSQLiteRowExistsForCurrentPeriod(t *testing.T) {
	s := newTestSQLiteSource(t)
	seedPosts(t, s)
	ctx := context.Background()
	require.NoError(t, s.Rebuild(ctx, TargetDailyAgg))

	exists, err := s.RowExistsForCurrentPeriod(ctx, SliceQuery{
		View: ViewDailyAgg, ClientID: "1", Platform: "all", Range: dayRange(t, "2025-01-03", "2025-01-03"),
	})
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.RowExistsForCurrentPeriod(ctx, SliceQuery{
		View: ViewDailyAgg, ClientID: "1", Platform: "all", Range: dayRange(t, "2025-01-04", "2025-01-04"),
	})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteUnknownViewAndTarget(t *testing.T) {
	s := newTestSQLiteSource(t)
	ctx := context.Background()

	_, err := s.ReadSlice(ctx, SliceQuery{View: "nope", ClientID: "1"})
	assert.Error(t, err)

	err = s.Rebuild(ctx, "nope")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRebuildUnsupported)
}

func TestPostgresRebuildDisabled(t *testing.T) {
	s := NewSQLSource(nil, Postgres, WithRebuildFunction(""))
	err := s.Rebuild(context.Background(), TargetDailyAgg)
	assert.ErrorIs(t, err, ErrRebuildUnsupported)
}

func TestRebind(t *testing.T) {
	pg := NewSQLSource(nil, Postgres)
	assert.Equal(t, "SELECT $1, $2 WHERE a IN ($3)", pg.rebind("SELECT ?, ? WHERE a IN (?)"))

	lite := NewSQLSource(nil, SQLite)
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestDateRange(t *testing.T) {
	r := dayRange(t, "2025-01-01", "2025-01-07")
	assert.Equal(t, 7, r.Days())
	assert.True(t, r.Contains(r.Start))
	assert.True(t, r.Contains(r.End))
	assert.False(t, r.Contains(r.End.Add(24*time.Hour)))
	assert.Equal(t, "2025-01-01", r.StartDay())
}

func recordIDs(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
