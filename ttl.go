package aggcache

import (
	"fmt"
	"strings"
	"time"
)

// TTLClass selects how long a result stays cached.
type TTLClass int

const (
	// ShortLived is for volatile current-period data.
	ShortLived TTLClass = iota
	// Medium is for top-N rankings.
	Medium
	// Long is for historical daily aggregates.
	Long
	// Uncached skips the cache entirely, for date-range and filter
	// combinations too numerous to cache economically.
	Uncached
)

// Default durations per class.
const (
	DefaultShortLivedTTL = 15 * time.Minute
	DefaultMediumTTL     = 30 * time.Minute
	DefaultLongTTL       = 2 * time.Hour
)

// Duration returns the class's default duration. Uncached returns zero.
func (c TTLClass) Duration() time.Duration {
	switch c {
	case ShortLived:
		return DefaultShortLivedTTL
	case Medium:
		return DefaultMediumTTL
	case Long:
		return DefaultLongTTL
	default:
		return 0
	}
}

func (c TTLClass) valid() bool {
	return c >= ShortLived && c <= Uncached
}

func (c TTLClass) String() string {
	switch c {
	case ShortLived:
		return "ShortLived"
	case Medium:
		return "Medium"
	case Long:
		return "Long"
	case Uncached:
		return "Uncached"
	default:
		return fmt.Sprintf("TTLClass(%d)", int(c))
	}
}

// ParseTTLClass parses a class name as accepted on the command line and in
// query strings: short, medium, long or uncached (case-insensitive).
func ParseTTLClass(s string) (TTLClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "shortlived", "short_lived":
		return ShortLived, nil
	case "medium":
		return Medium, nil
	case "long":
		return Long, nil
	case "uncached", "none":
		return Uncached, nil
	default:
		return Uncached, fmt.Errorf("%w: unknown ttl class %q", ErrInvalidQuery, s)
	}
}

// ClassFor returns the class a dashboard read of v would normally use for
// q: current-period data is short-lived, rankings are medium, other history
// is long, and custom ranges and filtered queries are not cached.
func ClassFor(v View, q QuerySpec) TTLClass {
	switch {
	case q.Period == CustomRange || len(q.Filters) > 0:
		return Uncached
	case q.Period.IsCurrent():
		return ShortLived
	case v.Order == ViewsDesc:
		return Medium
	default:
		return Long
	}
}
