package utils

import "strings"

// MatchName checks if a dotted name ("core.edit.own") matches the provided
// pattern. Patterns may include:
//   - '*' as a whole segment, matching exactly one segment.
//   - a trailing '*' segment ("core.*"), matching one or more segments.
//   - a bare "*", matching everything.
func MatchName(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if pattern == "" {
		return false
	}
	vParts := strings.Split(value, ".")
	pParts := strings.Split(pattern, ".")
	for i, p := range pParts {
		last := i == len(pParts)-1
		if i >= len(vParts) {
			return false
		}
		if p == "*" {
			if last {
				return true
			}
			continue
		}
		if p != vParts[i] {
			return false
		}
	}
	return len(vParts) == len(pParts)
}
