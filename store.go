package access

import (
	"context"
	"strconv"
	"strings"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Identity is a principal inside a rule: a group id when positive, a single
// user when negative (-userID). Zero never matches.
type Identity int64

// UserIdentity returns the negative identity that targets one user.
func UserIdentity(userID int64) Identity { return Identity(-userID) }

// GroupIdentity returns the identity of a user group.
func GroupIdentity(groupID int64) Identity { return Identity(groupID) }

// AssetRef points at an asset either by primary key or by name. The zero
// value stands for the configured root asset.
type AssetRef struct {
	ID   int64  `json:"id,omitempty" yaml:"id,omitempty"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// AssetByID references an asset by primary key.
func AssetByID(id int64) AssetRef { return AssetRef{ID: id} }

// AssetByName references an asset by name, e.g. "com_content.article.1".
func AssetByName(name string) AssetRef { return AssetRef{Name: name} }

// ParseAssetRef turns user input into an AssetRef: numeric strings become
// ids, anything else a name, and blank input the root asset.
func ParseAssetRef(s string) AssetRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return AssetRef{}
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return AssetRef{ID: id}
	}
	return AssetRef{Name: s}
}

// IsZero reports whether the reference is empty.
func (a AssetRef) IsZero() bool { return a.ID == 0 && a.Name == "" }

// ByID reports whether the reference is a primary key lookup.
func (a AssetRef) ByID() bool { return a.Name == "" }

func (a AssetRef) String() string {
	if a.Name != "" {
		return a.Name
	}
	return strconv.FormatInt(a.ID, 10)
}

// AssetQuery describes one permission lookup against the asset tree.
type AssetQuery struct {
	Asset     AssetRef
	Recursive bool
	// Groups restricts rows to these group ids; empty means unfiltered.
	Groups []int64
	// Action restricts rows to one action; empty means every action.
	Action string
}

// PermissionRow is one raw row of the asset/permission join. Permission is
// empty when the asset carries no row-style permission (LEFT JOIN miss); Rules
// then holds the asset's legacy inline JSON rules.
type PermissionRow struct {
	AssetID    int64  `json:"asset_id"`
	Rules      string `json:"rules"`
	Permission string `json:"permission"`
	Value      int    `json:"value"`
	GroupID    int64  `json:"group_id"`
}

// GroupNode is a user group positioned in the nested-set tree.
type GroupNode struct {
	ID  int64 `json:"id"`
	Lft int64 `json:"lft"`
	Rgt int64 `json:"rgt"`
}

// Contains reports whether g is an ancestor of (or equal to) other.
func (g GroupNode) Contains(other GroupNode) bool {
	return g.Lft <= other.Lft && g.Rgt >= other.Rgt
}

// ViewLevel is a view access level definition. Rules is a JSON array of
// signed identity markers.
type ViewLevel struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Rules string `json:"rules"`
}

// ============================================================================
// STORAGE CONTRACT
// ============================================================================

// Store is the read side of the relational store backing the engine.
type Store interface {
	// QueryAssetRows returns permission rows for the asset; for recursive
	// queries every ancestor is included, ordered root first.
	QueryAssetRows(ctx context.Context, q AssetQuery) ([]PermissionRow, error)
	// QueryRootAssetRows returns the rows of every top-level asset (parent_id = 0).
	QueryRootAssetRows(ctx context.Context) ([]PermissionRow, error)
	// QueryRootAssetID returns the id of the root asset, or 0 when none exists.
	QueryRootAssetID(ctx context.Context) (int64, error)
	// QueryGroupTree returns every group ordered by lft.
	QueryGroupTree(ctx context.Context) ([]GroupNode, error)
	// QueryGroupsForUser returns the groups mapped to the user, expanded to
	// ancestors when recursive. NULL ids are dropped; duplicates are allowed.
	QueryGroupsForUser(ctx context.Context, userID int64, recursive bool) ([]int64, error)
	// QueryUsersByGroup returns the users mapped to the group, or to any of
	// its descendants when recursive.
	QueryUsersByGroup(ctx context.Context, groupID int64, recursive bool) ([]int64, error)
	// QueryViewLevels returns every view level definition.
	QueryViewLevels(ctx context.Context) ([]ViewLevel, error)
	// QueryGroupTitle returns the title of a group, or "" when it does not exist.
	QueryGroupTitle(ctx context.Context, groupID int64) (string, error)
}
