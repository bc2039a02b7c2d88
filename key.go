package aggcache

import (
	"sort"
	"strings"
)

// BuildKey derives a cache key from a prefix and named parameters. Names are
// sorted so call-site order never changes the key, and parameters with empty
// values are omitted entirely:
//
//	BuildKey("daily_agg", map[string]string{"platform": "tiktok", "clientId": "1"})
//	// daily_agg:clientId=1:platform=tiktok
func BuildKey(prefix string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name, value := range params {
		if value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(prefix)
	for _, name := range names {
		b.WriteByte(':')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return b.String()
}

// ClientPattern returns the glob matching every key of one client under a
// view prefix. clientId sorts before every other parameter name, so it is
// always the first segment of a QuerySpec key.
func ClientPattern(prefix, clientID string) string {
	return prefix + ":clientId=" + clientID + ":*"
}

// ViewPattern returns the glob matching every key under a view prefix.
func ViewPattern(prefix string) string {
	return prefix + ":*"
}

// validKeyPart rejects characters that would make keys ambiguous or turn
// them into globs during invalidation.
func validKeyPart(s string) bool {
	return !strings.ContainsAny(s, ":=*?[]\\")
}
