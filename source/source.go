package source

import (
	"context"
	"errors"
	"time"
)

// ErrRebuildUnsupported is returned by a Rebuilder when the backing store has
// no rebuild capability for the requested target.
var ErrRebuildUnsupported = errors.New("source: rebuild unsupported")

// DayLayout is the layout of day keys and date range bounds.
const DayLayout = "2006-01-02"

// DateRange is an inclusive range of UTC days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether day falls inside the range.
func (r DateRange) Contains(day time.Time) bool {
	return !day.Before(r.Start) && !day.After(r.End)
}

// Days returns the number of days covered by the range.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start)/(24*time.Hour)) + 1
}

// StartDay returns the range start formatted as a day key.
func (r DateRange) StartDay() string { return r.Start.Format(DayLayout) }

// EndDay returns the range end formatted as a day key.
func (r DateRange) EndDay() string { return r.End.Format(DayLayout) }

// Row is one metric row of an aggregate. Key is the group key: a day
// (YYYY-MM-DD), a post ID or an account ID depending on the view.
type Row struct {
	Key        string `json:"key"`
	Views      int64  `json:"views"`
	Posts      int64  `json:"posts"`
	Engagement int64  `json:"engagement"`
}

// Slice is a precomputed aggregate slice for one client, platform and period.
// A slice with zero rows is legitimate: it has not been computed yet, or the
// period had no activity.
type Slice struct {
	ClientID   string
	Platform   string
	Period     string
	Rows       []Row
	ComputedAt time.Time
}

// SliceQuery identifies a precomputed slice. It mirrors the query fields the
// precomputed store understands so this package does not import its callers.
type SliceQuery struct {
	View     string
	ClientID string
	Platform string
	Period   string
	Range    DateRange
	Limit    int
}

// Record is one raw post with its lifetime metrics.
type Record struct {
	ID        string
	ClientID  string
	AccountID string
	Platform  string
	Day       string
	Views     int64
	Likes     int64
	Comments  int64
	Shares    int64
}

// Engagement returns likes + comments + shares.
func (r Record) Engagement() int64 {
	return r.Likes + r.Comments + r.Shares
}

// OrderBy selects the ordering a raw query should apply.
type OrderBy int

const (
	// OrderDayAsc orders records by day, then ID.
	OrderDayAsc OrderBy = iota
	// OrderViewsDesc orders records by views descending, then ID.
	OrderViewsDesc
)

// RawQuery selects raw records for an on-demand aggregation.
type RawQuery struct {
	ClientID string
	Platform string // "all" or empty selects every platform
	Range    DateRange
	Accounts []string // empty selects every account
	OrderBy  OrderBy
	Limit    int // 0 means unbounded
}

// AggregateReader reads slices from the precomputed store.
type AggregateReader interface {
	// ReadSlice returns the precomputed slice matching q. Zero rows is not
	// an error.
	ReadSlice(ctx context.Context, q SliceQuery) (Slice, error)

	// RowExistsForCurrentPeriod reports whether the precomputed store already
	// holds a row for the still-accumulating current period of q.
	RowExistsForCurrentPeriod(ctx context.Context, q SliceQuery) (bool, error)
}

// RawSource queries raw records.
type RawSource interface {
	QueryRaw(ctx context.Context, q RawQuery) ([]Record, error)
}

// Rebuilder asks the precomputed store to rebuild one of its aggregates.
// It is optional: stores without a rebuild capability simply do not
// implement it, or return ErrRebuildUnsupported.
type Rebuilder interface {
	Rebuild(ctx context.Context, target string) error
}
