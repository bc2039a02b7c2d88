package cache

// Match reports whether key matches the glob pattern. It follows the subset
// of Redis KEYS/SCAN syntax used for invalidation:
//
//   - "daily_agg:*" matches every key with that prefix
//   - "daily_agg:clientId=1:*" matches one client's entries
//   - "top_posts:?" matches exactly one trailing byte
//   - "a\*b" matches the literal key "a*b"
func Match(pattern, key string) bool {
	// Fast path: exact match.
	if pattern == key {
		return true
	}
	return globMatch(pattern, key)
}

// globMatch handles "*" as any (possibly empty) sequence, "?" as exactly one
// byte and "\" as an escape for the following byte.
func globMatch(pattern, str string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse runs of stars.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			// Try matching the rest of the pattern at every position.
			for i := 0; i <= len(str); i++ {
				if globMatch(pattern, str[i:]) {
					return true
				}
			}
			return false

		case '?':
			if len(str) == 0 {
				return false
			}

		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			if len(str) == 0 || pattern[0] != str[0] {
				return false
			}

		default:
			if len(str) == 0 || pattern[0] != str[0] {
				return false
			}
		}

		pattern = pattern[1:]
		str = str[1:]
	}

	return len(str) == 0
}
