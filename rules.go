package access

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oarkflow/access/utils"
)

// RuleMap holds the rules of one asset: action -> identity -> allowed.
type RuleMap map[string]map[Identity]bool

// Set records an explicit value for (action, identity).
func (m RuleMap) Set(action string, id Identity, allowed bool) {
	ids, ok := m[action]
	if !ok {
		ids = make(map[Identity]bool)
		m[action] = ids
	}
	ids[id] = allowed
}

// Rules is the merged rule set of an asset. It is immutable once built and
// can be shared between evaluations.
type Rules struct {
	data map[string]map[Identity]bool
}

// NewRules returns an empty rule set.
func NewRules() *Rules {
	return &Rules{data: make(map[string]map[Identity]bool)}
}

// MergeCollection folds per-asset layers into one rule set. Later layers
// overwrite earlier ones for the same (action, identity), so layers must be
// passed root first for the asset's own settings to win.
func MergeCollection(layers []RuleMap) *Rules {
	r := NewRules()
	for _, layer := range layers {
		for action, ids := range layer {
			dst, ok := r.data[action]
			if !ok {
				dst = make(map[Identity]bool, len(ids))
				r.data[action] = dst
			}
			for id, allowed := range ids {
				dst[id] = allowed
			}
		}
	}
	return r
}

// Allow evaluates action against the identity chain. The first identity with
// an explicit value decides; when nothing matches the result is deny.
func (r *Rules) Allow(action string, chain []Identity) bool {
	allowed, _ := r.Explicit(action, chain)
	return allowed
}

// Explicit is Allow that also reports whether any identity matched.
func (r *Rules) Explicit(action string, chain []Identity) (allowed bool, found bool) {
	if r == nil {
		return false, false
	}
	ids, ok := r.data[action]
	if !ok {
		return false, false
	}
	for _, id := range chain {
		if id == 0 {
			continue
		}
		if v, ok := ids[id]; ok {
			return v, true
		}
	}
	return false, false
}

// Actions returns the actions that carry at least one explicit value, sorted.
func (r *Rules) Actions() []string {
	if r == nil {
		return []string{}
	}
	out := make([]string, 0, len(r.data))
	for action := range r.data {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// ActionsMatching returns the actions whose name matches a dotted wildcard
// pattern such as "core.*".
func (r *Rules) ActionsMatching(pattern string) []string {
	out := make([]string, 0)
	for _, action := range r.Actions() {
		if utils.MatchName(action, pattern) {
			out = append(out, action)
		}
	}
	return out
}

// Identities returns a copy of the explicit values recorded for action.
func (r *Rules) Identities(action string) map[Identity]bool {
	if r == nil {
		return map[Identity]bool{}
	}
	ids := r.data[action]
	out := make(map[Identity]bool, len(ids))
	for id, v := range ids {
		out[id] = v
	}
	return out
}

// MarshalJSON encodes the rules in the legacy inline format
// {"core.admin":{"7":1,"-42":0}}.
func (r *Rules) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	out := make(map[string]map[string]int, len(r.data))
	for action, ids := range r.data {
		enc := make(map[string]int, len(ids))
		for id, allowed := range ids {
			enc[strconv.FormatInt(int64(id), 10)] = boolToInt(allowed)
		}
		out[action] = enc
	}
	return json.Marshal(out)
}

// ParseRuleMap decodes legacy inline asset rules. Action values may be
// objects keyed by identity or an empty list; identity values may be numbers,
// booleans or numeric strings.
func ParseRuleMap(raw string) (RuleMap, error) {
	raw = strings.TrimSpace(raw)
	out := make(RuleMap)
	if raw == "" || raw == "{}" || raw == "[]" {
		return out, nil
	}
	var actions map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	for action, body := range actions {
		body = bytes.TrimSpace(body)
		if len(body) == 0 || body[0] == '[' {
			// empty identity lists encode as []
			continue
		}
		var ids map[string]any
		if err := json.Unmarshal(body, &ids); err != nil {
			return nil, fmt.Errorf("decode rules for %s: %w", action, err)
		}
		for key, v := range ids {
			id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("rules for %s: bad identity %q", action, key)
			}
			allowed, err := ruleValue(v)
			if err != nil {
				return nil, fmt.Errorf("rules for %s/%s: %w", action, key, err)
			}
			out.Set(action, Identity(id), allowed)
		}
	}
	return out, nil
}

func ruleValue(v any) (bool, error) {
	switch vv := v.(type) {
	case bool:
		return vv, nil
	case float64:
		return vv != 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(vv))
		if err != nil {
			return false, fmt.Errorf("bad value %q", vv)
		}
		return n != 0, nil
	}
	return false, fmt.Errorf("unsupported value %v", v)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// only returns a copy restricted to the given action.
func (r *Rules) only(action string) *Rules {
	out := NewRules()
	if r == nil {
		return out
	}
	if _, ok := r.data[action]; ok {
		out.data[action] = r.Identities(action)
	}
	return out
}

// ParseMarkers decodes a view level rule list such as "[6,2,-42]". Entries
// may be numbers or numeric strings.
func ParseMarkers(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode markers: %w", err)
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case float64:
			out = append(out, int64(v))
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad marker %q", v)
			}
			out = append(out, n)
		default:
			return nil, fmt.Errorf("unsupported marker %v", item)
		}
	}
	return out, nil
}
