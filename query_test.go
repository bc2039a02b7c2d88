package aggcache

import (
	"errors"
	"testing"
	"time"
)

func TestQuerySpecRange(t *testing.T) {
	// Late in the day, in a non-UTC zone that is already tomorrow in UTC.
	now := time.Date(2025, 1, 9, 20, 0, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		period     Period
		start, end string
		wantStart  string
		wantEnd    string
		wantDays   int
	}{
		{Today, "", "", "2025-01-10", "2025-01-10", 1},
		{Yesterday, "", "", "2025-01-09", "2025-01-09", 1},
		{Last7Days, "", "", "2025-01-04", "2025-01-10", 7},
		{Last30Days, "", "", "2024-12-12", "2025-01-10", 30},
		{Last90Days, "", "", "2024-10-13", "2025-01-10", 90},
		{CustomRange, "2025-01-01", "2025-01-03", "2025-01-01", "2025-01-03", 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			q := QuerySpec{ClientID: "1", Period: tt.period, Start: tt.start, End: tt.end}.Normalize()
			r, err := q.Range(now)
			if err != nil {
				t.Fatalf("Range() error: %v", err)
			}
			if r.StartDay() != tt.wantStart || r.EndDay() != tt.wantEnd {
				t.Errorf("Range() = %s..%s, want %s..%s", r.StartDay(), r.EndDay(), tt.wantStart, tt.wantEnd)
			}
			if r.Days() != tt.wantDays {
				t.Errorf("Days() = %d, want %d", r.Days(), tt.wantDays)
			}
		})
	}
}

func TestQuerySpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       QuerySpec
		wantErr bool
	}{
		{"minimal", QuerySpec{ClientID: "1", Period: Today}, false},
		{"custom range", QuerySpec{ClientID: "1", Period: CustomRange, Start: "2025-01-01", End: "2025-01-01"}, false},
		{"filters", QuerySpec{ClientID: "1", Period: Today, Filters: []string{"acc-1", "acc 2"}}, false},
		{"missing client", QuerySpec{Period: Today}, true},
		{"client with colon", QuerySpec{ClientID: "1:2", Period: Today}, true},
		{"unknown platform", QuerySpec{ClientID: "1", Platform: "friendster", Period: Today}, true},
		{"missing period", QuerySpec{ClientID: "1"}, true},
		{"custom without dates", QuerySpec{ClientID: "1", Period: CustomRange}, true},
		{"custom bad date", QuerySpec{ClientID: "1", Period: CustomRange, Start: "01/01/2025", End: "2025-01-03"}, true},
		{"custom inverted", QuerySpec{ClientID: "1", Period: CustomRange, Start: "2025-02-01", End: "2025-01-03"}, true},
		{"filter with comma", QuerySpec{ClientID: "1", Period: Today, Filters: []string{"a,b"}}, true},
		{"filter with glob", QuerySpec{ClientID: "1", Period: Today, Filters: []string{"acc*"}}, true},
		{"filter with question mark", QuerySpec{ClientID: "1", Period: Today, Filters: []string{"acc?"}}, true},
		{"filter with colon", QuerySpec{ClientID: "1", Period: Today, Filters: []string{"a:clientId"}}, true},
		{"filter with equals", QuerySpec{ClientID: "1", Period: Today, Filters: []string{"clientId=2"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Normalize().Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestQuerySpecNormalize(t *testing.T) {
	q := QuerySpec{
		View:     " daily_agg ",
		ClientID: " 1",
		Platform: " Instagram",
		Period:   "Custom_Range",
		Start:    " 2025-01-01",
		End:      "2025-01-03 ",
		Filters:  []string{"b", "", "a", " b "},
	}
	n := q.Normalize()

	if n.View != "daily_agg" || n.ClientID != "1" || n.Platform != PlatformInstagram || n.Period != CustomRange {
		t.Errorf("Normalize() = %+v", n)
	}
	if n.Start != "2025-01-01" || n.End != "2025-01-03" {
		t.Errorf("range = %q..%q", n.Start, n.End)
	}
	if len(n.Filters) != 2 || n.Filters[0] != "a" || n.Filters[1] != "b" {
		t.Errorf("filters = %q, want [a b]", n.Filters)
	}
	// The input is left untouched.
	if q.Filters[0] != "b" {
		t.Errorf("Normalize mutated its receiver's filters: %q", q.Filters)
	}

	if f := (QuerySpec{Filters: []string{" "}}).Normalize().Filters; f != nil {
		t.Errorf("blank filters should normalize to nil, got %q", f)
	}
}

func TestPeriodIsCurrent(t *testing.T) {
	for _, p := range []Period{Today, Yesterday, Last7Days, Last30Days, Last90Days, CustomRange} {
		if got, want := p.IsCurrent(), p == Today; got != want {
			t.Errorf("%s.IsCurrent() = %v, want %v", p, got, want)
		}
	}
}

func TestParseTTLClass(t *testing.T) {
	tests := map[string]TTLClass{
		"short":    ShortLived,
		"Medium":   Medium,
		" long ":   Long,
		"uncached": Uncached,
	}
	for in, want := range tests {
		got, err := ParseTTLClass(in)
		if err != nil || got != want {
			t.Errorf("ParseTTLClass(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTTLClass("forever"); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery, got %v", err)
	}

	if Medium.Duration() != 30*time.Minute {
		t.Errorf("Medium.Duration() = %v", Medium.Duration())
	}
	if Uncached.Duration() != 0 {
		t.Errorf("Uncached.Duration() = %v", Uncached.Duration())
	}
}

func TestClassFor(t *testing.T) {
	daily := View{Name: "daily_agg", Order: DateAsc}
	top := View{Name: "top_posts", Order: ViewsDesc}

	tests := []struct {
		v    View
		q    QuerySpec
		want TTLClass
	}{
		{daily, QuerySpec{Period: Today}, ShortLived},
		{top, QuerySpec{Period: Today}, ShortLived},
		{top, QuerySpec{Period: Last7Days}, Medium},
		{daily, QuerySpec{Period: Last7Days}, Long},
		{daily, QuerySpec{Period: CustomRange}, Uncached},
		{daily, QuerySpec{Period: Yesterday, Filters: []string{"a"}}, Uncached},
	}
	for _, tt := range tests {
		if got := ClassFor(tt.v, tt.q); got != tt.want {
			t.Errorf("ClassFor(%s, %s) = %v, want %v", tt.v.Name, tt.q.Period, got, tt.want)
		}
	}
}
