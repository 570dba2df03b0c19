package access

import (
	"context"
	"strings"
)

// permissions returns the cached entry for q, loading it on a miss.
// Concurrent misses for one key share a single load, which therefore ignores
// the cancellation of whichever caller happened to start it.
func (e *Engine) permissions(ctx context.Context, ec *EvaluatorContext, q AssetQuery) (*permissionEntry, error) {
	q = e.cacheQuery(ec, q)
	key := permissionKey(q)
	if entry, ok := ec.perms.get(key); ok {
		e.metrics.cacheHit("permissions")
		return entry, nil
	}
	e.metrics.cacheMiss("permissions")
	v, err, _ := ec.loads.Do("perm:"+key, func() (any, error) {
		if entry, ok := ec.perms.get(key); ok {
			return entry, nil
		}
		entry, err := e.loadPermissions(context.WithoutCancel(ctx), ec, q)
		if err != nil {
			return nil, err
		}
		return ec.perms.add(key, entry), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*permissionEntry), nil
}

// cacheQuery decides the action granularity a query is cached at. Actions
// configured for per-action caching reuse the all-actions entry when one is
// already resident and are otherwise loaded on their own. Every other action
// is widened to all actions.
func (e *Engine) cacheQuery(ec *EvaluatorContext, q AssetQuery) AssetQuery {
	if q.Action == "" {
		return q
	}
	broad := q
	broad.Action = ""
	if _, ok := e.perAction[q.Action]; !ok {
		return broad
	}
	if _, ok := ec.perms.get(permissionKey(broad)); ok {
		return broad
	}
	return q
}

func (e *Engine) loadPermissions(ctx context.Context, ec *EvaluatorContext, q AssetQuery) (*permissionEntry, error) {
	rows, err := e.store.QueryAssetRows(ctx, q)
	e.metrics.query("asset_rows", err)
	if err != nil {
		return nil, dataAccess("query asset rows", err)
	}

	fallback := false
	if q.Recursive && (len(rows) == 0 || (isUnfiltered(q) && !hasRuleData(rows))) {
		rows, err = e.rootRows(ctx, ec)
		if err != nil {
			return nil, err
		}
		fallback = true
		e.logger.Debug("asset has no rules, using root assets", "asset", q.Asset.String())
	}

	layers, ids := e.mergeRows(rows, q, fallback)
	return &permissionEntry{
		layers:   layers,
		assetIDs: ids,
		rules:    MergeCollection(layers),
		fallback: fallback,
	}, nil
}

func (e *Engine) rootRows(ctx context.Context, ec *EvaluatorContext) ([]PermissionRow, error) {
	if rows, ok := ec.rootSnapshot(); ok {
		e.metrics.cacheHit("root_assets")
		return rows, nil
	}
	e.metrics.cacheMiss("root_assets")
	v, err, _ := ec.loads.Do("root_assets", func() (any, error) {
		if rows, ok := ec.rootSnapshot(); ok {
			return rows, nil
		}
		rows, err := e.store.QueryRootAssetRows(context.WithoutCancel(ctx))
		e.metrics.query("root_asset_rows", err)
		if err != nil {
			return nil, dataAccess("query root asset rows", err)
		}
		return ec.storeRootSnapshot(rows), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PermissionRow), nil
}

// mergeRows groups rows into one layer per asset, in order of first
// appearance. Row-style permissions of an asset replace its inline rules;
// inline rules are used only when the asset has no permission rows. The
// store filters rows, so the query's filters are applied here to inline
// rules only, and not at all for the root fallback.
func (e *Engine) mergeRows(rows []PermissionRow, q AssetQuery, fallback bool) ([]RuleMap, []int64) {
	type assetRows struct {
		perms  RuleMap
		inline string
	}
	order := make([]int64, 0)
	byAsset := make(map[int64]*assetRows)
	for _, row := range rows {
		a, ok := byAsset[row.AssetID]
		if !ok {
			a = &assetRows{perms: make(RuleMap), inline: row.Rules}
			byAsset[row.AssetID] = a
			order = append(order, row.AssetID)
		}
		if row.Permission == "" {
			continue
		}
		a.perms.Set(row.Permission, GroupIdentity(row.GroupID), row.Value != 0)
	}

	var groups map[int64]struct{}
	if !fallback && len(q.Groups) > 0 {
		groups = make(map[int64]struct{}, len(q.Groups))
		for _, g := range q.Groups {
			groups[g] = struct{}{}
		}
	}

	layers := make([]RuleMap, 0, len(order))
	for _, id := range order {
		a := byAsset[id]
		if len(a.perms) > 0 {
			layers = append(layers, a.perms)
			continue
		}
		inline, err := ParseRuleMap(a.inline)
		if err != nil {
			e.logger.Debug("ignoring malformed inline rules", "asset_id", id, "error", err)
			layers = append(layers, RuleMap{})
			continue
		}
		if !fallback {
			inline = filterRuleMap(inline, q.Action, groups)
		}
		layers = append(layers, inline)
	}
	return layers, order
}

func filterRuleMap(m RuleMap, action string, groups map[int64]struct{}) RuleMap {
	if action == "" && groups == nil {
		return m
	}
	out := make(RuleMap)
	for act, ids := range m {
		if action != "" && act != action {
			continue
		}
		for id, allowed := range ids {
			if groups != nil {
				if _, ok := groups[int64(id)]; !ok {
					continue
				}
			}
			out.Set(act, id, allowed)
		}
	}
	return out
}

func isUnfiltered(q AssetQuery) bool {
	return len(q.Groups) == 0 && q.Action == ""
}

func hasRuleData(rows []PermissionRow) bool {
	for _, row := range rows {
		if row.Permission != "" {
			return true
		}
		switch strings.TrimSpace(row.Rules) {
		case "", "{}", "[]":
		default:
			return true
		}
	}
	return false
}
