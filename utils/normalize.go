package utils

import (
	"regexp"
	"strings"
)

var separatorRun = regexp.MustCompile(`[\s\-]+`)

// NormalizeName lowercases an action or asset name and collapses runs of
// whitespace and hyphens into single dots: "Core  View" -> "core.view".
func NormalizeName(s string) string {
	return strings.ToLower(separatorRun.ReplaceAllString(strings.TrimSpace(s), "."))
}
