package access

import (
	"encoding/json"
	"testing"
)

func TestMergeCollectionLaterLayerWins(t *testing.T) {
	root := RuleMap{}
	root.Set("core.edit", 2, true)
	root.Set("core.view", 2, true)
	leaf := RuleMap{}
	leaf.Set("core.edit", 2, false)

	r := MergeCollection([]RuleMap{root, leaf})
	if r.Allow("core.edit", []Identity{2}) {
		t.Fatalf("leaf deny should override root allow")
	}
	if !r.Allow("core.view", []Identity{2}) {
		t.Fatalf("inherited allow should survive the merge")
	}

	reversed := MergeCollection([]RuleMap{leaf, root})
	if !reversed.Allow("core.edit", []Identity{2}) {
		t.Fatalf("last layer should win")
	}
}

func TestMergeCollectionDoesNotAliasLayers(t *testing.T) {
	layer := RuleMap{}
	layer.Set("core.edit", 2, true)
	r := MergeCollection([]RuleMap{layer})
	layer.Set("core.edit", 2, false)
	if !r.Allow("core.edit", []Identity{2}) {
		t.Fatalf("merged rules must not change when a layer is modified")
	}
}

func TestAllowFirstMatchDecides(t *testing.T) {
	m := RuleMap{}
	m.Set("core.edit", -42, false)
	m.Set("core.edit", 2, true)
	r := MergeCollection([]RuleMap{m})

	if r.Allow("core.edit", []Identity{-42, 2}) {
		t.Fatalf("user deny listed first should win")
	}
	if !r.Allow("core.edit", []Identity{-7, 2}) {
		t.Fatalf("group allow should apply when the user has no value")
	}
	if !r.Allow("core.edit", []Identity{2, -42}) {
		t.Fatalf("chain order decides")
	}
}

func TestAllowImplicitDenyAndSkips(t *testing.T) {
	m := RuleMap{}
	m.Set("core.edit", 0, true)
	m.Set("core.edit", 3, true)
	r := MergeCollection([]RuleMap{m})

	if r.Allow("core.delete", []Identity{3}) {
		t.Fatalf("missing action must deny")
	}
	if r.Allow("core.edit", []Identity{0}) {
		t.Fatalf("identity 0 must never match")
	}
	if !r.Allow("core.edit", []Identity{0, 3}) {
		t.Fatalf("identity 0 is skipped, not a deny")
	}
	allowed, found := r.Explicit("core.edit", []Identity{9})
	if allowed || found {
		t.Fatalf("expected indeterminate, got allowed=%v found=%v", allowed, found)
	}
	var nilRules *Rules
	if nilRules.Allow("core.edit", []Identity{3}) {
		t.Fatalf("nil rules must deny")
	}
}

func TestActionsAndMatching(t *testing.T) {
	m := RuleMap{}
	m.Set("core.edit", 1, true)
	m.Set("core.edit.own", 1, true)
	m.Set("com_content.read", 1, true)
	r := MergeCollection([]RuleMap{m})

	got := r.Actions()
	want := []string{"com_content.read", "core.edit", "core.edit.own"}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
	if matched := r.ActionsMatching("core.*"); len(matched) != 2 {
		t.Fatalf("expected 2 core actions, got %v", matched)
	}
	ids := r.Identities("core.edit")
	ids[1] = false
	if !r.Allow("core.edit", []Identity{1}) {
		t.Fatalf("Identities must return a copy")
	}
}

func TestParseRuleMap(t *testing.T) {
	m, err := ParseRuleMap(`{"core.admin":{"8":1,"-42":0},"core.manage":[],"core.edit":{"3":true,"4":"0"}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := MergeCollection([]RuleMap{m})
	if !r.Allow("core.admin", []Identity{8}) {
		t.Fatalf("expected core.admin allowed for 8")
	}
	if r.Allow("core.admin", []Identity{-42, 8}) {
		t.Fatalf("expected user deny")
	}
	if _, ok := m["core.manage"]; ok {
		t.Fatalf("empty identity list should not create an action")
	}
	if !r.Allow("core.edit", []Identity{3}) || r.Allow("core.edit", []Identity{4}) {
		t.Fatalf("bool and string values not honoured")
	}

	for _, raw := range []string{"", "  ", "{}", "[]"} {
		m, err := ParseRuleMap(raw)
		if err != nil || len(m) != 0 {
			t.Fatalf("expected empty map for %q, got %v %v", raw, m, err)
		}
	}
	for _, raw := range []string{`{"core.admin":{"x":1}}`, `{"core.admin":{"1":{}}}`, `not json`} {
		if _, err := ParseRuleMap(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestRulesMarshalJSON(t *testing.T) {
	m := RuleMap{}
	m.Set("core.admin", 8, true)
	m.Set("core.admin", -42, false)
	data, err := json.Marshal(MergeCollection([]RuleMap{m}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseRuleMap(string(data))
	if err != nil {
		t.Fatalf("parse back: %v", err)
	}
	if !back["core.admin"][8] || back["core.admin"][-42] {
		t.Fatalf("unexpected round trip result %s", data)
	}
}

func TestNilRules(t *testing.T) {
	var r *Rules
	if r.Allow("core.edit", []Identity{2}) {
		t.Fatalf("nil rules must deny")
	}
	if got := r.Actions(); len(got) != 0 {
		t.Fatalf("unexpected actions %v", got)
	}
	if got := r.Identities("core.edit"); len(got) != 0 {
		t.Fatalf("unexpected identities %v", got)
	}
	if got := r.only("core.edit").Actions(); len(got) != 0 {
		t.Fatalf("unexpected filtered actions %v", got)
	}
	data, err := r.MarshalJSON()
	if err != nil || string(data) != "{}" {
		t.Fatalf("marshal = %s, %v", data, err)
	}
}

func TestParseMarkers(t *testing.T) {
	got, err := ParseMarkers(`[6, "2", -42]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 || got[0] != 6 || got[1] != 2 || got[2] != -42 {
		t.Fatalf("unexpected markers %v", got)
	}
	if got, err := ParseMarkers(""); err != nil || len(got) != 0 {
		t.Fatalf("expected empty markers, got %v %v", got, err)
	}
	if _, err := ParseMarkers(`{"a":1}`); err == nil {
		t.Fatalf("expected error for object")
	}
}
