package stores

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/access"
)

type permKey struct {
	asset  int64
	action string
	group  int64
}

// MemoryStore implements access.Store over preloaded node lists, answering
// containment queries by comparing intervals.
type MemoryStore struct {
	mu      sync.RWMutex
	assets  map[int64]access.AssetSeed
	groups  map[int64]access.GroupSeed
	members map[int64]map[int64]struct{}
	perms   map[permKey]bool
	levels  map[int64]access.ViewLevel

	queries atomic.Int64
	failure error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:  make(map[int64]access.AssetSeed),
		groups:  make(map[int64]access.GroupSeed),
		members: make(map[int64]map[int64]struct{}),
		perms:   make(map[permKey]bool),
		levels:  make(map[int64]access.ViewLevel),
	}
}

// NewMemoryStoreFromSeed returns a store holding the seed's data.
func NewMemoryStoreFromSeed(seed *access.Seed) (*MemoryStore, error) {
	s := NewMemoryStore()
	if err := s.Load(seed); err != nil {
		return nil, err
	}
	return s, nil
}

// Load adds the seed's data, replacing nodes and values with the same keys.
func (s *MemoryStore) Load(seed *access.Seed) error {
	if seed == nil {
		return nil
	}
	if err := seed.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range seed.Assets {
		s.assets[a.ID] = a
	}
	for _, g := range seed.Groups {
		s.groups[g.ID] = g
	}
	for _, m := range seed.Memberships {
		s.addMembership(m.UserID, m.GroupID)
	}
	for _, p := range seed.Permissions {
		s.perms[permKey{p.AssetID, p.Action, p.GroupID}] = p.Value != 0
	}
	for _, v := range seed.ViewLevels {
		s.levels[v.ID] = access.ViewLevel{ID: v.ID, Title: v.Title, Rules: encodeMarkers(v.Rules)}
	}
	return nil
}

// Queries returns the number of store queries answered so far.
func (s *MemoryStore) Queries() int64 { return s.queries.Load() }

// ResetQueries sets the query counter back to zero.
func (s *MemoryStore) ResetQueries() { s.queries.Store(0) }

// SetFailure makes every query fail with err until it is cleared with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// begin counts a query and reports the injected failure. Callers hold mu.
func (s *MemoryStore) begin() error {
	s.queries.Add(1)
	return s.failure
}

func (s *MemoryStore) PutAsset(a access.AssetSeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
}

func (s *MemoryStore) PutGroup(g access.GroupSeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

func (s *MemoryStore) AddMembership(userID, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMembership(userID, groupID)
}

func (s *MemoryStore) addMembership(userID, groupID int64) {
	set, ok := s.members[userID]
	if !ok {
		set = make(map[int64]struct{})
		s.members[userID] = set
	}
	set[groupID] = struct{}{}
}

func (s *MemoryStore) RemoveMembership(userID, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[userID], groupID)
}

func (s *MemoryStore) SetPermission(assetID int64, action string, groupID int64, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[permKey{assetID, action, groupID}] = allowed
}

func (s *MemoryStore) DeletePermission(assetID int64, action string, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, permKey{assetID, action, groupID})
}

func (s *MemoryStore) SetViewLevel(id int64, title string, markers []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[id] = access.ViewLevel{ID: id, Title: title, Rules: encodeMarkers(markers)}
}

func (s *MemoryStore) QueryAssetRows(ctx context.Context, q access.AssetQuery) ([]access.PermissionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	target, ok := s.findAsset(q.Asset)
	if !ok {
		return []access.PermissionRow{}, nil
	}
	chain := []access.AssetSeed{target}
	if q.Recursive {
		chain = chain[:0]
		for _, a := range s.assets {
			if a.Lft <= target.Lft && a.Rgt >= target.Rgt {
				chain = append(chain, a)
			}
		}
		sort.Slice(chain, func(i, j int) bool { return chain[i].Lft < chain[j].Lft })
	}
	var groups map[int64]struct{}
	if len(q.Groups) > 0 {
		groups = make(map[int64]struct{}, len(q.Groups))
		for _, g := range q.Groups {
			groups[g] = struct{}{}
		}
	}
	out := make([]access.PermissionRow, 0)
	for _, a := range chain {
		out = append(out, s.assetRows(a, q.Action, groups)...)
	}
	return out, nil
}

func (s *MemoryStore) QueryRootAssetRows(ctx context.Context) ([]access.PermissionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	roots := make([]access.AssetSeed, 0)
	for _, a := range s.assets {
		if a.ParentID == 0 {
			roots = append(roots, a)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Lft < roots[j].Lft })
	out := make([]access.PermissionRow, 0)
	for _, a := range roots {
		out = append(out, s.assetRows(a, "", nil)...)
	}
	return out, nil
}

func (s *MemoryStore) QueryRootAssetID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return 0, err
	}
	var root access.AssetSeed
	found := false
	for _, a := range s.assets {
		if a.ParentID != 0 {
			continue
		}
		if !found || a.Lft < root.Lft {
			root, found = a, true
		}
	}
	return root.ID, nil
}

func (s *MemoryStore) findAsset(ref access.AssetRef) (access.AssetSeed, bool) {
	if ref.ByID() {
		a, ok := s.assets[ref.ID]
		return a, ok
	}
	for _, a := range s.assets {
		if a.Name == ref.Name {
			return a, true
		}
	}
	return access.AssetSeed{}, false
}

// assetRows mirrors the LEFT JOIN of the SQL store: one row per matching
// permission, or a single row without permission when none match.
func (s *MemoryStore) assetRows(a access.AssetSeed, action string, groups map[int64]struct{}) []access.PermissionRow {
	rows := make([]access.PermissionRow, 0)
	for k, allowed := range s.perms {
		if k.asset != a.ID {
			continue
		}
		if action != "" && k.action != action {
			continue
		}
		if groups != nil {
			if _, ok := groups[k.group]; !ok {
				continue
			}
		}
		value := 0
		if allowed {
			value = 1
		}
		rows = append(rows, access.PermissionRow{
			AssetID:    a.ID,
			Rules:      a.Rules,
			Permission: k.action,
			Value:      value,
			GroupID:    k.group,
		})
	}
	if len(rows) == 0 {
		return []access.PermissionRow{{AssetID: a.ID, Rules: a.Rules}}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Permission != rows[j].Permission {
			return rows[i].Permission < rows[j].Permission
		}
		return rows[i].GroupID < rows[j].GroupID
	})
	return rows
}

func (s *MemoryStore) QueryGroupTree(ctx context.Context) ([]access.GroupNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	return s.sortedGroups(), nil
}

func (s *MemoryStore) sortedGroups() []access.GroupNode {
	out := make([]access.GroupNode, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, access.GroupNode{ID: g.ID, Lft: g.Lft, Rgt: g.Rgt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lft < out[j].Lft })
	return out
}

func (s *MemoryStore) QueryGroupsForUser(ctx context.Context, userID int64, recursive bool) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	out := make([]int64, 0)
	for _, node := range s.sortedGroups() {
		for gid := range s.members[userID] {
			g, ok := s.groups[gid]
			if !ok {
				continue
			}
			if node.ID == gid || (recursive && node.Lft <= g.Lft && node.Rgt >= g.Rgt) {
				out = append(out, node.ID)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryUsersByGroup(ctx context.Context, groupID int64, recursive bool) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	parent, ok := s.groups[groupID]
	out := make([]int64, 0)
	for userID, set := range s.members {
		for gid := range set {
			if gid == groupID {
				out = append(out, userID)
				break
			}
			if !recursive || !ok {
				continue
			}
			if g, found := s.groups[gid]; found && g.Lft >= parent.Lft && g.Rgt <= parent.Rgt {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) QueryViewLevels(ctx context.Context) ([]access.ViewLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	out := make([]access.ViewLevel, 0, len(s.levels))
	for _, v := range s.levels {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) QueryGroupTitle(ctx context.Context, groupID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(); err != nil {
		return "", err
	}
	return s.groups[groupID].Title, nil
}
