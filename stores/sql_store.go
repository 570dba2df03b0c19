package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/access"
)

// MembershipSource supplies direct user/group memberships from outside the
// SQL database, e.g. Redis.
type MembershipSource interface {
	GroupsForUser(ctx context.Context, userID int64) ([]int64, error)
	UsersInGroups(ctx context.Context, groupIDs []int64) ([]int64, error)
}

// SQLStore implements access.Store over the nested-set schema created by
// Migrate.
type SQLStore struct {
	db         *squealx.DB
	prefix     string
	membership MembershipSource
}

type SQLStoreOption func(*SQLStore)

// WithTablePrefix sets the string substituted for #__ in table names.
func WithTablePrefix(prefix string) SQLStoreOption {
	return func(s *SQLStore) { s.prefix = prefix }
}

// WithMembership reads direct memberships from src. Group ancestry is still
// resolved from the usergroups table.
func WithMembership(src MembershipSource) SQLStoreOption {
	return func(s *SQLStore) { s.membership = src }
}

func NewSQLStore(db *squealx.DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) q(query string) string { return withPrefix(query, s.prefix) }

const assetRowColumns = `b.id, b.rules, p.permission, p.value, p.group_id`

func (s *SQLStore) QueryAssetRows(ctx context.Context, aq access.AssetQuery) ([]access.PermissionRow, error) {
	params := map[string]any{}
	join := `LEFT JOIN #__permissions AS p ON p.asset_id = b.id`
	if aq.Action != "" {
		join += ` AND p.permission = :action`
		params["action"] = aq.Action
	}
	if groups := uniqueIDs(aq.Groups); len(groups) > 0 {
		join += ` AND p.group_id IN (` + inClause("g", groups, params) + `)`
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + assetRowColumns + ` FROM #__assets AS a `)
	if aq.Recursive {
		b.WriteString(`JOIN #__assets AS b ON b.lft <= a.lft AND b.rgt >= a.rgt `)
	} else {
		b.WriteString(`JOIN #__assets AS b ON b.id = a.id `)
	}
	b.WriteString(join)
	if aq.Asset.ByID() {
		b.WriteString(` WHERE a.id = :asset`)
		params["asset"] = aq.Asset.ID
	} else {
		b.WriteString(` WHERE a.name = :asset`)
		params["asset"] = aq.Asset.Name
	}
	b.WriteString(` ORDER BY b.lft, p.permission, p.group_id`)

	rows, err := s.queryPermissionRows(ctx, b.String(), params)
	if err != nil {
		return nil, fmt.Errorf("query asset rows for %s: %w", aq.Asset, err)
	}
	return rows, nil
}

func (s *SQLStore) QueryRootAssetRows(ctx context.Context) ([]access.PermissionRow, error) {
	q := `SELECT ` + assetRowColumns + ` FROM #__assets AS b LEFT JOIN #__permissions AS p ON p.asset_id = b.id WHERE b.parent_id = 0 ORDER BY b.lft, p.permission, p.group_id`
	rows, err := s.queryPermissionRows(ctx, q, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("query root asset rows: %w", err)
	}
	return rows, nil
}

func (s *SQLStore) queryPermissionRows(ctx context.Context, q string, params map[string]any) ([]access.PermissionRow, error) {
	r, err := s.db.NamedQueryContext(ctx, s.q(q), params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]access.PermissionRow, 0)
	for r.Next() {
		var id int64
		var rules, permission sql.NullString
		var value, group sql.NullInt64
		if err := r.Scan(&id, &rules, &permission, &value, &group); err != nil {
			return nil, err
		}
		out = append(out, access.PermissionRow{
			AssetID:    id,
			Rules:      rules.String,
			Permission: permission.String,
			Value:      int(value.Int64),
			GroupID:    group.Int64,
		})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) QueryRootAssetID(ctx context.Context) (int64, error) {
	ids, err := s.queryIDs(ctx, `SELECT id FROM #__assets WHERE parent_id = 0 ORDER BY lft LIMIT 1`, map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("query root asset id: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func (s *SQLStore) QueryGroupTree(ctx context.Context) ([]access.GroupNode, error) {
	r, err := s.db.NamedQueryContext(ctx, s.q(`SELECT id, lft, rgt FROM #__usergroups ORDER BY lft`), map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("query group tree: %w", err)
	}
	defer r.Close()
	out := make([]access.GroupNode, 0)
	for r.Next() {
		var n access.GroupNode
		if err := r.Scan(&n.ID, &n.Lft, &n.Rgt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, n)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read group tree: %w", err)
	}
	return out, nil
}

func (s *SQLStore) QueryGroupsForUser(ctx context.Context, userID int64, recursive bool) ([]int64, error) {
	if s.membership != nil {
		direct, err := s.membership.GroupsForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("membership for user %d: %w", userID, err)
		}
		return s.expandGroups(ctx, direct, recursive)
	}
	var q string
	if recursive {
		q = `SELECT b.id FROM #__user_usergroup_map AS map
			LEFT JOIN #__usergroups AS a ON a.id = map.group_id
			LEFT JOIN #__usergroups AS b ON b.lft <= a.lft AND b.rgt >= a.rgt
			WHERE map.user_id = :user_id ORDER BY b.lft`
	} else {
		q = `SELECT a.id FROM #__user_usergroup_map AS map
			LEFT JOIN #__usergroups AS a ON a.id = map.group_id
			WHERE map.user_id = :user_id ORDER BY a.lft`
	}
	ids, err := s.queryIDs(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("query groups for user %d: %w", userID, err)
	}
	return ids, nil
}

// expandGroups keeps the groups that exist and, when recursive, adds their
// ancestors.
func (s *SQLStore) expandGroups(ctx context.Context, groups []int64, recursive bool) ([]int64, error) {
	groups = uniqueIDs(groups)
	if len(groups) == 0 {
		return []int64{}, nil
	}
	params := map[string]any{}
	in := inClause("g", groups, params)
	var q string
	if recursive {
		q = `SELECT DISTINCT b.id, b.lft FROM #__usergroups AS a
			JOIN #__usergroups AS b ON b.lft <= a.lft AND b.rgt >= a.rgt
			WHERE a.id IN (` + in + `) ORDER BY b.lft`
	} else {
		q = `SELECT id, lft FROM #__usergroups WHERE id IN (` + in + `) ORDER BY lft`
	}
	r, err := s.db.NamedQueryContext(ctx, s.q(q), params)
	if err != nil {
		return nil, fmt.Errorf("expand groups: %w", err)
	}
	defer r.Close()
	out := make([]int64, 0)
	for r.Next() {
		var id, lft int64
		if err := r.Scan(&id, &lft); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("expand groups: %w", err)
	}
	return out, nil
}

func (s *SQLStore) QueryUsersByGroup(ctx context.Context, groupID int64, recursive bool) ([]int64, error) {
	if s.membership != nil {
		groups := []int64{groupID}
		if recursive {
			var err error
			groups, err = s.queryIDs(ctx, `SELECT b.id FROM #__usergroups AS a
				JOIN #__usergroups AS b ON b.lft >= a.lft AND b.rgt <= a.rgt
				WHERE a.id = :group_id`, map[string]any{"group_id": groupID})
			if err != nil {
				return nil, fmt.Errorf("query subgroups of %d: %w", groupID, err)
			}
		}
		users, err := s.membership.UsersInGroups(ctx, groups)
		if err != nil {
			return nil, fmt.Errorf("membership for group %d: %w", groupID, err)
		}
		return users, nil
	}
	var q string
	if recursive {
		q = `SELECT DISTINCT m.user_id FROM #__usergroups AS a
			JOIN #__usergroups AS b ON b.lft >= a.lft AND b.rgt <= a.rgt
			JOIN #__user_usergroup_map AS m ON m.group_id = b.id
			WHERE a.id = :group_id`
	} else {
		q = `SELECT m.user_id FROM #__user_usergroup_map AS m WHERE m.group_id = :group_id`
	}
	ids, err := s.queryIDs(ctx, q, map[string]any{"group_id": groupID})
	if err != nil {
		return nil, fmt.Errorf("query users by group %d: %w", groupID, err)
	}
	return ids, nil
}

func (s *SQLStore) QueryViewLevels(ctx context.Context) ([]access.ViewLevel, error) {
	r, err := s.db.NamedQueryContext(ctx, s.q(`SELECT id, title, rules FROM #__viewlevels ORDER BY id`), map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("query view levels: %w", err)
	}
	defer r.Close()
	out := make([]access.ViewLevel, 0)
	for r.Next() {
		var lvl access.ViewLevel
		var title, rules sql.NullString
		if err := r.Scan(&lvl.ID, &title, &rules); err != nil {
			return nil, fmt.Errorf("scan view level: %w", err)
		}
		lvl.Title, lvl.Rules = title.String, rules.String
		out = append(out, lvl)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read view levels: %w", err)
	}
	return out, nil
}

func (s *SQLStore) QueryGroupTitle(ctx context.Context, groupID int64) (string, error) {
	r, err := s.db.NamedQueryContext(ctx, s.q(`SELECT title FROM #__usergroups WHERE id = :id`), map[string]any{"id": groupID})
	if err != nil {
		return "", fmt.Errorf("query group title: %w", err)
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return "", fmt.Errorf("read group title: %w", err)
		}
		return "", nil
	}
	var title sql.NullString
	if err := r.Scan(&title); err != nil {
		return "", fmt.Errorf("scan group title: %w", err)
	}
	return title.String, nil
}

// queryIDs returns the first column of every row, dropping NULLs.
func (s *SQLStore) queryIDs(ctx context.Context, q string, params map[string]any) ([]int64, error) {
	r, err := s.db.NamedQueryContext(ctx, s.q(q), params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]int64, 0)
	for r.Next() {
		var id sql.NullInt64
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		if id.Valid {
			out = append(out, id.Int64)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// WRITES
// ============================================================================

// Seed writes fixture data. Trees without lft/rgt get positions computed
// from parent ids; rows that already exist are left untouched.
func (s *SQLStore) Seed(ctx context.Context, seed *access.Seed) error {
	if seed == nil {
		return nil
	}
	if err := seed.Normalize(); err != nil {
		return err
	}
	for _, a := range seed.Assets {
		q := `INSERT INTO #__assets(id, parent_id, lft, rgt, name, title, rules) VALUES(:id, :parent_id, :lft, :rgt, :name, :title, :rules) ON CONFLICT DO NOTHING`
		if _, err := s.db.NamedExecContext(ctx, s.q(q), map[string]any{
			"id":        a.ID,
			"parent_id": a.ParentID,
			"lft":       a.Lft,
			"rgt":       a.Rgt,
			"name":      a.Name,
			"title":     a.Title,
			"rules":     a.Rules,
		}); err != nil {
			return fmt.Errorf("seed asset %d: %w", a.ID, err)
		}
	}
	for _, g := range seed.Groups {
		q := `INSERT INTO #__usergroups(id, parent_id, lft, rgt, title) VALUES(:id, :parent_id, :lft, :rgt, :title) ON CONFLICT DO NOTHING`
		if _, err := s.db.NamedExecContext(ctx, s.q(q), map[string]any{
			"id":        g.ID,
			"parent_id": g.ParentID,
			"lft":       g.Lft,
			"rgt":       g.Rgt,
			"title":     g.Title,
		}); err != nil {
			return fmt.Errorf("seed group %d: %w", g.ID, err)
		}
	}
	for _, m := range seed.Memberships {
		if err := s.AddMembership(ctx, m.UserID, m.GroupID); err != nil {
			return err
		}
	}
	for _, p := range seed.Permissions {
		if err := s.SetPermission(ctx, p.AssetID, p.Action, p.GroupID, p.Value != 0); err != nil {
			return err
		}
	}
	for _, v := range seed.ViewLevels {
		if err := s.SetViewLevel(ctx, v.ID, v.Title, v.Rules); err != nil {
			return err
		}
	}
	return nil
}

// AddMembership maps a user to a group.
func (s *SQLStore) AddMembership(ctx context.Context, userID, groupID int64) error {
	q := `INSERT INTO #__user_usergroup_map(user_id, group_id) VALUES(:user_id, :group_id) ON CONFLICT DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, s.q(q), map[string]any{"user_id": userID, "group_id": groupID})
	if err != nil {
		return fmt.Errorf("add membership %d/%d: %w", userID, groupID, err)
	}
	return nil
}

// RemoveMembership unmaps a user from a group.
func (s *SQLStore) RemoveMembership(ctx context.Context, userID, groupID int64) error {
	q := `DELETE FROM #__user_usergroup_map WHERE user_id = :user_id AND group_id = :group_id`
	_, err := s.db.NamedExecContext(ctx, s.q(q), map[string]any{"user_id": userID, "group_id": groupID})
	return err
}

// SetPermission stores an explicit allow or deny of action for group on
// asset, replacing a previous value.
func (s *SQLStore) SetPermission(ctx context.Context, assetID int64, action string, groupID int64, allowed bool) error {
	params := map[string]any{
		"asset_id":   assetID,
		"permission": action,
		"group_id":   groupID,
		"value":      boolToInt(allowed),
	}
	if err := s.DeletePermission(ctx, assetID, action, groupID); err != nil {
		return err
	}
	q := `INSERT INTO #__permissions(asset_id, permission, group_id, value) VALUES(:asset_id, :permission, :group_id, :value)`
	if _, err := s.db.NamedExecContext(ctx, s.q(q), params); err != nil {
		return fmt.Errorf("set permission %s on %d: %w", action, assetID, err)
	}
	return nil
}

// DeletePermission removes the explicit value of action for group on asset.
func (s *SQLStore) DeletePermission(ctx context.Context, assetID int64, action string, groupID int64) error {
	q := `DELETE FROM #__permissions WHERE asset_id = :asset_id AND permission = :permission AND group_id = :group_id`
	_, err := s.db.NamedExecContext(ctx, s.q(q), map[string]any{
		"asset_id":   assetID,
		"permission": action,
		"group_id":   groupID,
	})
	if err != nil {
		return fmt.Errorf("delete permission %s on %d: %w", action, assetID, err)
	}
	return nil
}

// SetViewLevel creates or replaces a view level.
func (s *SQLStore) SetViewLevel(ctx context.Context, id int64, title string, markers []int64) error {
	if _, err := s.db.NamedExecContext(ctx, s.q(`DELETE FROM #__viewlevels WHERE id = :id`), map[string]any{"id": id}); err != nil {
		return fmt.Errorf("replace view level %d: %w", id, err)
	}
	q := `INSERT INTO #__viewlevels(id, title, rules) VALUES(:id, :title, :rules)`
	if _, err := s.db.NamedExecContext(ctx, s.q(q), map[string]any{
		"id":    id,
		"title": title,
		"rules": encodeMarkers(markers),
	}); err != nil {
		return fmt.Errorf("set view level %d: %w", id, err)
	}
	return nil
}

func encodeMarkers(markers []int64) string {
	parts := make([]string, len(markers))
	for i, m := range markers {
		parts[i] = strconv.FormatInt(m, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
