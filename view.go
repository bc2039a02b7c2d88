package aggcache

import (
	"fmt"

	"github.com/ryhazerus/aggcache/source"
)

// Grouping selects how raw records are folded into rows.
type Grouping int

const (
	// ByDay produces one row per day.
	ByDay Grouping = iota
	// ByPost produces one row per post.
	ByPost
	// ByAccount produces one row per account.
	ByAccount
)

func (g Grouping) String() string {
	switch g {
	case ByDay:
		return "ByDay"
	case ByPost:
		return "ByPost"
	case ByAccount:
		return "ByAccount"
	default:
		return fmt.Sprintf("Grouping(%d)", int(g))
	}
}

// Order is the canonical row order of a view. Every read path applies it so
// callers cannot tell which path served a result.
type Order int

const (
	// DateAsc orders rows by key ascending.
	DateAsc Order = iota
	// ViewsDesc orders rows by views descending, then key ascending.
	ViewsDesc
)

func (o Order) String() string {
	switch o {
	case DateAsc:
		return "DateAsc"
	case ViewsDesc:
		return "ViewsDesc"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// View defines a registered aggregate: how it is grouped, ordered and
// bounded, and which precomputed target backs it.
type View struct {
	Name     string   // unique identifier and cache key prefix, e.g. "daily_agg"
	Grouping Grouping // ByDay, ByPost, ByAccount
	Order    Order    // DateAsc, ViewsDesc
	Limit    int      // top-N bound; 0 means unbounded
	Target   string   // precomputed aggregate to rebuild; defaults to Name
}

// TargetName returns the precomputed aggregate rebuilt for this view.
func (v View) TargetName() string {
	if v.Target != "" {
		return v.Target
	}
	return v.Name
}

func (v View) validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: view name is required", ErrInvalidView)
	}
	if !validKeyPart(v.Name) {
		return fmt.Errorf("%w: view name %q contains reserved characters", ErrInvalidView, v.Name)
	}
	if v.Limit < 0 {
		return fmt.Errorf("%w: view %q has a negative limit", ErrInvalidView, v.Name)
	}
	if v.Grouping < ByDay || v.Grouping > ByAccount {
		return fmt.Errorf("%w: view %q has unknown grouping %v", ErrInvalidView, v.Name, v.Grouping)
	}
	if v.Order < DateAsc || v.Order > ViewsDesc {
		return fmt.Errorf("%w: view %q has unknown order %v", ErrInvalidView, v.Name, v.Order)
	}
	return nil
}

// DefaultViews returns the dashboard views served by source.SQLSource.
func DefaultViews() []View {
	return []View{
		{
			Name:     source.ViewDailyAgg,
			Grouping: ByDay,
			Order:    DateAsc,
			Target:   source.TargetDailyAgg,
		},
		{
			Name:     source.ViewTopPosts,
			Grouping: ByPost,
			Order:    ViewsDesc,
			Limit:    10,
			Target:   source.TargetPostAgg,
		},
		{
			Name:     source.ViewTopAccounts,
			Grouping: ByAccount,
			Order:    ViewsDesc,
			Limit:    10,
			Target:   source.TargetPostAgg,
		},
	}
}
