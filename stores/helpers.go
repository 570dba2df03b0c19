package stores

import (
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// auditTimeLayout sorts lexically, so time range filters can compare text.
const auditTimeLayout = "2006-01-02 15:04:05.000000"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(auditTimeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(auditTimeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// withPrefix replaces the #__ table placeholder.
func withPrefix(q, prefix string) string {
	return strings.ReplaceAll(q, "#__", prefix)
}

// inClause renders ":p0, :p1, ..." for ids and adds them to params.
func inClause(name string, ids []int64, params map[string]any) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		key := name + strconv.Itoa(i)
		parts[i] = ":" + key
		params[key] = id
	}
	return strings.Join(parts, ", ")
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
