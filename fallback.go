package aggcache

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ryhazerus/aggcache/source"
)

// Aggregator recomputes a view directly from raw records. It performs the
// same grouping, ordering and bounding the precomputed store does, scoped to
// exactly one query.
type Aggregator struct {
	raw source.RawSource
}

// NewAggregator creates an Aggregator over raw.
func NewAggregator(raw source.RawSource) *Aggregator {
	return &Aggregator{raw: raw}
}

// Compute aggregates the raw records selected by q over r into rows of v.
func (a *Aggregator) Compute(ctx context.Context, v View, q QuerySpec, r source.DateRange) ([]source.Row, error) {
	if a == nil || a.raw == nil {
		return nil, fmt.Errorf("aggcache: view %q: no raw source configured", v.Name)
	}

	rq := source.RawQuery{
		ClientID: q.ClientID,
		Platform: string(q.Platform),
		Range:    r,
		Accounts: q.Filters,
	}
	if v.Order == ViewsDesc {
		rq.OrderBy = source.OrderViewsDesc
	}
	// Per-post rows ranked by views can be bounded at the source; grouped
	// rows cannot.
	if v.Grouping == ByPost && v.Order == ViewsDesc {
		rq.Limit = v.Limit
	}

	records, err := a.raw.QueryRaw(ctx, rq)
	if err != nil {
		return nil, err
	}
	return Normalize(v, group(v.Grouping, records)), nil
}

func group(g Grouping, records []source.Record) []source.Row {
	index := make(map[string]int, len(records))
	rows := make([]source.Row, 0, len(records))
	for _, rec := range records {
		var key string
		switch g {
		case ByPost:
			key = rec.ID
		case ByAccount:
			key = rec.AccountID
		default:
			key = rec.Day
		}

		i, ok := index[key]
		if !ok {
			i = len(rows)
			index[key] = i
			rows = append(rows, source.Row{Key: key})
		}
		rows[i].Views += rec.Views
		rows[i].Posts++
		rows[i].Engagement += rec.Engagement()
	}
	return rows
}

// Normalize applies v's canonical order and limit to rows. Both read paths
// pass through it, so a cached, precomputed or recomputed result for the same
// query has the same content in the same order. The result is never nil.
func Normalize(v View, rows []source.Row) []source.Row {
	out := make([]source.Row, len(rows))
	copy(out, rows)

	switch v.Order {
	case ViewsDesc:
		slices.SortStableFunc(out, func(a, b source.Row) int {
			if a.Views != b.Views {
				if a.Views > b.Views {
					return -1
				}
				return 1
			}
			return strings.Compare(a.Key, b.Key)
		})
	default:
		slices.SortStableFunc(out, func(a, b source.Row) int {
			return strings.Compare(a.Key, b.Key)
		})
	}

	if v.Limit > 0 && len(out) > v.Limit {
		out = out[:v.Limit]
	}
	return out
}
