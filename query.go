package aggcache

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ryhazerus/aggcache/source"
)

// Platform identifies a social platform. PlatformAll aggregates across
// every platform.
type Platform string

const (
	PlatformAll       Platform = "all"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformFacebook  Platform = "facebook"
	PlatformX         Platform = "x"
	PlatformLinkedIn  Platform = "linkedin"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformAll, PlatformTikTok, PlatformInstagram, PlatformYouTube,
		PlatformFacebook, PlatformX, PlatformLinkedIn:
		return true
	default:
		return false
	}
}

// Period is the time window a query covers.
type Period string

const (
	// Today covers the current, still-accumulating UTC day.
	Today Period = "today"
	// Yesterday covers the previous UTC day.
	Yesterday Period = "yesterday"
	// Last7Days covers today and the six days before it.
	Last7Days Period = "7days"
	// Last30Days covers today and the 29 days before it.
	Last30Days Period = "30days"
	// Last90Days covers today and the 89 days before it.
	Last90Days Period = "90days"
	// CustomRange covers QuerySpec.Start through QuerySpec.End inclusive.
	CustomRange Period = "custom_range"
)

// days returns the length of a rolling period ending today.
func (p Period) days() int {
	switch p {
	case Today:
		return 1
	case Last7Days:
		return 7
	case Last30Days:
		return 30
	case Last90Days:
		return 90
	default:
		return 0
	}
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == Yesterday || p == CustomRange || p.days() > 0
}

// IsCurrent reports whether p is the still-accumulating current period,
// which the precomputed store may not have caught up with yet.
func (p Period) IsCurrent() bool {
	return p == Today
}

// QuerySpec identifies one aggregate read. Two specs with identical
// normalized fields always produce the same cache key and the same
// precomputed-slice lookup.
type QuerySpec struct {
	View     string   // registered view name
	ClientID string   // client identifier
	Platform Platform // empty means PlatformAll
	Period   Period
	Start    string   // CustomRange only, YYYY-MM-DD
	End      string   // CustomRange only, YYYY-MM-DD
	Filters  []string // selected sub-account IDs; order and duplicates are ignored
}

// Normalize returns a copy of q with whitespace trimmed, the platform
// defaulted and lower-cased, range bounds dropped for non-custom periods and
// filters deduplicated and sorted. An empty filter list becomes nil.
func (q QuerySpec) Normalize() QuerySpec {
	out := QuerySpec{
		View:     strings.TrimSpace(q.View),
		ClientID: strings.TrimSpace(q.ClientID),
		Platform: Platform(strings.ToLower(strings.TrimSpace(string(q.Platform)))),
		Period:   Period(strings.ToLower(strings.TrimSpace(string(q.Period)))),
	}
	if out.Platform == "" {
		out.Platform = PlatformAll
	}
	if out.Period == CustomRange {
		out.Start = strings.TrimSpace(q.Start)
		out.End = strings.TrimSpace(q.End)
	}

	for _, f := range q.Filters {
		if f = strings.TrimSpace(f); f != "" {
			out.Filters = append(out.Filters, f)
		}
	}
	if len(out.Filters) > 0 {
		slices.Sort(out.Filters)
		out.Filters = slices.Compact(out.Filters)
	}
	return out
}

// Validate checks a normalized spec.
func (q QuerySpec) Validate() error {
	if q.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidQuery)
	}
	if !validKeyPart(q.ClientID) {
		return fmt.Errorf("%w: client id %q contains reserved characters", ErrInvalidQuery, q.ClientID)
	}
	if !q.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidQuery, q.Platform)
	}
	if !q.Period.Valid() {
		return fmt.Errorf("%w: unknown period %q", ErrInvalidQuery, q.Period)
	}
	for _, f := range q.Filters {
		if strings.Contains(f, ",") {
			return fmt.Errorf("%w: filter %q contains a comma", ErrInvalidQuery, f)
		}
		if !validKeyPart(f) {
			return fmt.Errorf("%w: filter %q contains reserved characters", ErrInvalidQuery, f)
		}
	}
	if q.Period == CustomRange {
		if _, err := customRange(q.Start, q.End); err != nil {
			return err
		}
	}
	return nil
}

// Range resolves the spec's period against now into an inclusive range of
// UTC days.
func (q QuerySpec) Range(now time.Time) (source.DateRange, error) {
	if q.Period == CustomRange {
		return customRange(q.Start, q.End)
	}

	today := dayStart(now)
	if q.Period == Yesterday {
		d := today.AddDate(0, 0, -1)
		return source.DateRange{Start: d, End: d}, nil
	}

	n := q.Period.days()
	if n == 0 {
		return source.DateRange{}, fmt.Errorf("%w: unknown period %q", ErrInvalidQuery, q.Period)
	}
	return source.DateRange{Start: today.AddDate(0, 0, -(n - 1)), End: today}, nil
}

// Params returns the named parameters that identify q, for BuildKey.
// Absent optional parameters are left out rather than encoded as empty.
func (q QuerySpec) Params() map[string]string {
	p := map[string]string{
		"clientId": q.ClientID,
		"platform": string(q.Platform),
		"period":   string(q.Period),
	}
	if q.Period == CustomRange {
		p["startDate"] = q.Start
		p["endDate"] = q.End
	}
	if len(q.Filters) > 0 {
		p["filters"] = strings.Join(q.Filters, ",")
	}
	return p
}

// Key returns the cache key for q.
func (q QuerySpec) Key() string {
	n := q.Normalize()
	return BuildKey(n.View, n.Params())
}

func customRange(start, end string) (source.DateRange, error) {
	s, err := time.Parse(source.DayLayout, start)
	if err != nil {
		return source.DateRange{}, fmt.Errorf("%w: start date %q: want YYYY-MM-DD", ErrInvalidQuery, start)
	}
	e, err := time.Parse(source.DayLayout, end)
	if err != nil {
		return source.DateRange{}, fmt.Errorf("%w: end date %q: want YYYY-MM-DD", ErrInvalidQuery, end)
	}
	if e.Before(s) {
		return source.DateRange{}, fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidQuery, end, start)
	}
	return source.DateRange{Start: s, End: e}, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
