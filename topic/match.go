// Package topic matches pub/sub topic names against subscription patterns.
//
// Topics and patterns are "/"-delimited segment sequences. Within a pattern,
// the segment "+" matches exactly one arbitrary segment, and a final segment
// "#" matches zero or more trailing segments:
//
//	Match("a/+/c", "a/b/c") // true
//	Match("a/#", "a")       // true
//	Match("a/#", "a/b/c")   // true
//	Match("a/+", "a/b/c")   // false
package topic

import "strings"

const (
	// SingleLevel is the pattern segment matching exactly one topic segment.
	SingleLevel = "+"
	// MultiLevel is the final pattern segment matching any trailing segments.
	MultiLevel = "#"
)

// Match returns true if |topic| is matched by |pattern|. A "#" which is not
// the final pattern segment has no special meaning and matches literally.
func Match(pattern, topic string) bool {
	var ps, ts = strings.Split(pattern, "/"), strings.Split(topic, "/")

	for i, p := range ps {
		if p == MultiLevel && i == len(ps)-1 {
			// "a/#" matches "a" as well as all of its descendants.
			return len(ts) >= i
		} else if i >= len(ts) {
			return false
		} else if p == SingleLevel {
			continue
		} else if p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

// LiteralPrefix returns the leading, wildcard-free portion of |pattern|.
// Every topic matched by |pattern| begins with the returned prefix. As a
// trailing MultiLevel wildcard also matches its parent level, the prefix
// of "a/#" is "a" while that of "a/+" is "a/".
// A pattern without wildcards is returned unmodified.
func LiteralPrefix(pattern string) string {
	var ps = strings.Split(pattern, "/")

	for i, p := range ps {
		if i == 0 && (p == SingleLevel || p == MultiLevel) {
			return ""
		} else if p == SingleLevel {
			return strings.Join(ps[:i], "/") + "/"
		} else if p == MultiLevel && i == len(ps)-1 {
			return strings.Join(ps[:i], "/")
		}
	}
	return pattern
}

// IsWildcard returns true if |pattern| contains a wildcard segment.
func IsWildcard(pattern string) bool {
	return LiteralPrefix(pattern) != pattern
}
