package access

import (
	"context"
	"slices"
	"sort"
)

// GetGroupPath returns the ids of every group whose interval contains the
// group, ordered root to leaf and ending with the group itself. An unknown
// group yields an empty path.
func (e *Engine) GetGroupPath(ctx context.Context, groupID int64) ([]int64, error) {
	ec, release := e.acquire()
	defer release()
	path, err := e.groupPath(ctx, ec, groupID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(path), nil
}

// GetGroupsByUser returns the groups the user is mapped to, expanded to their
// ancestors when recursive. User 0 is a guest. A user without any group
// resolves to the public group.
func (e *Engine) GetGroupsByUser(ctx context.Context, userID int64, recursive bool) ([]int64, error) {
	ec, release := e.acquire()
	defer release()
	groups, err := e.groupsByUser(ctx, ec, userID, recursive)
	if err != nil {
		return nil, err
	}
	return slices.Clone(groups), nil
}

// GetUsersByGroup returns the users mapped to the group, or to any group
// below it when recursive.
func (e *Engine) GetUsersByGroup(ctx context.Context, groupID int64, recursive bool) ([]int64, error) {
	users, err := e.store.QueryUsersByGroup(ctx, groupID, recursive)
	e.metrics.query("users_by_group", err)
	if err != nil {
		return nil, dataAccess("query users by group", err)
	}
	out := dedupe(users)
	slices.Sort(out)
	return out, nil
}

// GetGroupTitle returns the title of a group, or "" when it does not exist.
func (e *Engine) GetGroupTitle(ctx context.Context, groupID int64) (string, error) {
	ec, release := e.acquire()
	defer release()
	if v, ok := ec.titles.Get(groupID); ok {
		if title, ok := v.(string); ok {
			e.metrics.cacheHit("group_title")
			return title, nil
		}
	}
	e.metrics.cacheMiss("group_title")
	title, err := e.store.QueryGroupTitle(ctx, groupID)
	e.metrics.query("group_title", err)
	if err != nil {
		return "", dataAccess("query group title", err)
	}
	ec.titles.Set(groupID, title, 1)
	ec.titles.Wait()
	return title, nil
}

func (e *Engine) groupTree(ctx context.Context, ec *EvaluatorContext) (map[int64]GroupNode, []int64, error) {
	if tree, order, ok := ec.tree(); ok {
		return tree, order, nil
	}
	// the load is shared, so one caller's cancellation must not fail the rest
	loadCtx := context.WithoutCancel(ctx)
	_, err, _ := ec.loads.Do("group_tree", func() (any, error) {
		if _, _, ok := ec.tree(); ok {
			return nil, nil
		}
		nodes, err := e.store.QueryGroupTree(loadCtx)
		e.metrics.query("group_tree", err)
		if err != nil {
			return nil, dataAccess("query group tree", err)
		}
		sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Lft < nodes[j].Lft })
		ec.storeTree(nodes)
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}
	tree, order, _ := ec.tree()
	return tree, order, nil
}

func (e *Engine) groupPath(ctx context.Context, ec *EvaluatorContext, groupID int64) ([]int64, error) {
	if path, ok := ec.groupPath(groupID); ok {
		e.metrics.cacheHit("group_path")
		return path, nil
	}
	e.metrics.cacheMiss("group_path")
	tree, order, err := e.groupTree(ctx, ec)
	if err != nil {
		return nil, err
	}
	path := []int64{}
	if target, ok := tree[groupID]; ok {
		for _, id := range order {
			if tree[id].Contains(target) {
				path = append(path, id)
			}
		}
	}
	return ec.storeGroupPath(groupID, path), nil
}

func (e *Engine) groupsByUser(ctx context.Context, ec *EvaluatorContext, userID int64, recursive bool) ([]int64, error) {
	key := groupsByUserKey(userID, recursive)
	if groups, ok := ec.userGroups(key); ok {
		e.metrics.cacheHit("groups_by_user")
		return groups, nil
	}
	e.metrics.cacheMiss("groups_by_user")

	var groups []int64
	switch {
	case userID == 0 && !recursive:
		groups = []int64{e.cfg.GuestGroupID}
	case userID == 0:
		path, err := e.groupPath(ctx, ec, e.cfg.GuestGroupID)
		if err != nil {
			return nil, err
		}
		groups = slices.Clone(path)
	default:
		rows, err := e.store.QueryGroupsForUser(ctx, userID, recursive)
		e.metrics.query("groups_for_user", err)
		if err != nil {
			return nil, dataAccess("query groups for user", err)
		}
		groups = rows
	}
	groups = dedupe(groups)
	if len(groups) == 0 {
		groups = []int64{e.cfg.PublicGroupID}
	}
	return ec.storeUserGroups(key, groups), nil
}

// identityChain lists the identities of a check, most specific first. A
// group check walks from the group up to the root; a user check starts with
// the user itself followed by its groups, narrowest interval first.
func (e *Engine) identityChain(ctx context.Context, ec *EvaluatorContext, identity int64, isGroup bool) ([]Identity, error) {
	if isGroup {
		path, err := e.groupPath(ctx, ec, identity)
		if err != nil {
			return nil, err
		}
		chain := make([]Identity, 0, len(path))
		for i := len(path) - 1; i >= 0; i-- {
			chain = append(chain, GroupIdentity(path[i]))
		}
		return chain, nil
	}

	groups, err := e.groupsByUser(ctx, ec, identity, true)
	if err != nil {
		return nil, err
	}
	tree, _, err := e.groupTree(ctx, ec)
	if err != nil {
		return nil, err
	}
	ordered := slices.Clone(groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, aok := tree[ordered[i]]
		b, bok := tree[ordered[j]]
		switch {
		case !aok || !bok:
			return aok && !bok
		case a.Rgt-a.Lft != b.Rgt-b.Lft:
			return a.Rgt-a.Lft < b.Rgt-b.Lft
		default:
			return a.Lft > b.Lft
		}
	})
	chain := make([]Identity, 0, len(ordered)+1)
	chain = append(chain, UserIdentity(identity))
	for _, g := range ordered {
		chain = append(chain, GroupIdentity(g))
	}
	return chain, nil
}

// dedupe drops zero and repeated ids, keeping first appearance order.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
