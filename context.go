package access

import (
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// EvaluatorContext owns every memoized lookup of one engine generation:
// permission entries, the group tree snapshot, group paths, groups by user,
// view levels, the root asset snapshot and group titles. Each value is
// written at most once; later writers get the value already stored.
//
// ClearStatics replaces the whole context, so an evaluation either sees the
// old generation or the new one, never a mix.
type EvaluatorContext struct {
	perms permissionCache
	loads singleflight.Group

	mu sync.RWMutex

	groupTree  map[int64]GroupNode
	groupOrder []int64
	treeLoaded bool

	groupPaths   map[int64][]int64
	groupsByUser map[string][]int64

	viewLevels       []viewLevelRule
	viewLevelsLoaded bool

	rootRows    []PermissionRow
	rootLoaded  bool
	rootAssetID int64
	rootIDKnown bool

	titles *ristretto.Cache

	refMu   sync.Mutex
	refs    int
	retired bool
	closed  bool
}

type viewLevelRule struct {
	id      int64
	markers []int64
}

func newEvaluatorContext(cfg Config) (*EvaluatorContext, error) {
	ec := &EvaluatorContext{
		groupPaths:   make(map[int64][]int64),
		groupsByUser: make(map[string][]int64),
	}
	if cfg.PermissionCacheSize > 0 {
		c, err := newLRUPermissionCache(cfg.PermissionCacheSize)
		if err != nil {
			return nil, err
		}
		ec.perms = c
	} else {
		ec.perms = newMapPermissionCache()
	}
	tc := cfg.TitleCache.withDefaults()
	titles, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: tc.NumCounters,
		MaxCost:     tc.MaxCost,
		BufferItems: tc.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	ec.titles = titles
	return ec, nil
}

// PermissionEntries returns the number of cached permission lookups.
func (ec *EvaluatorContext) PermissionEntries() int { return ec.perms.len() }

// acquire registers a reader. It fails once the context has been closed.
func (ec *EvaluatorContext) acquire() bool {
	ec.refMu.Lock()
	defer ec.refMu.Unlock()
	if ec.closed {
		return false
	}
	ec.refs++
	return true
}

func (ec *EvaluatorContext) release() {
	ec.refMu.Lock()
	defer ec.refMu.Unlock()
	ec.refs--
	if ec.refs == 0 && ec.retired {
		ec.closeLocked()
	}
}

// retire marks the context as replaced. The title cache is closed as soon as
// the last reader has released it.
func (ec *EvaluatorContext) retire() {
	ec.refMu.Lock()
	defer ec.refMu.Unlock()
	ec.retired = true
	if ec.refs == 0 {
		ec.closeLocked()
	}
}

// Closed reports whether the context's resources have been released.
func (ec *EvaluatorContext) Closed() bool {
	ec.refMu.Lock()
	defer ec.refMu.Unlock()
	return ec.closed
}

func (ec *EvaluatorContext) closeLocked() {
	if ec.closed {
		return
	}
	ec.closed = true
	if ec.titles != nil {
		ec.titles.Close()
	}
}

func (ec *EvaluatorContext) tree() (map[int64]GroupNode, []int64, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.groupTree, ec.groupOrder, ec.treeLoaded
}

func (ec *EvaluatorContext) storeTree(nodes []GroupNode) (map[int64]GroupNode, []int64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.treeLoaded {
		return ec.groupTree, ec.groupOrder
	}
	tree := make(map[int64]GroupNode, len(nodes))
	order := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := tree[n.ID]; dup {
			continue
		}
		tree[n.ID] = n
		order = append(order, n.ID)
	}
	ec.groupTree, ec.groupOrder, ec.treeLoaded = tree, order, true
	return tree, order
}

func (ec *EvaluatorContext) groupPath(groupID int64) ([]int64, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	p, ok := ec.groupPaths[groupID]
	return p, ok
}

func (ec *EvaluatorContext) storeGroupPath(groupID int64, path []int64) []int64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if existing, ok := ec.groupPaths[groupID]; ok {
		return existing
	}
	ec.groupPaths[groupID] = path
	return path
}

func groupsByUserKey(userID int64, recursive bool) string {
	r := "0"
	if recursive {
		r = "1"
	}
	return strconv.FormatInt(userID, 10) + ":" + r
}

func (ec *EvaluatorContext) userGroups(key string) ([]int64, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	g, ok := ec.groupsByUser[key]
	return g, ok
}

func (ec *EvaluatorContext) storeUserGroups(key string, groups []int64) []int64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if existing, ok := ec.groupsByUser[key]; ok {
		return existing
	}
	ec.groupsByUser[key] = groups
	return groups
}

func (ec *EvaluatorContext) levels() ([]viewLevelRule, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.viewLevels, ec.viewLevelsLoaded
}

func (ec *EvaluatorContext) storeLevels(levels []viewLevelRule) []viewLevelRule {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.viewLevelsLoaded {
		return ec.viewLevels
	}
	ec.viewLevels, ec.viewLevelsLoaded = levels, true
	return levels
}

func (ec *EvaluatorContext) rootSnapshot() ([]PermissionRow, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.rootRows, ec.rootLoaded
}

func (ec *EvaluatorContext) storeRootSnapshot(rows []PermissionRow) []PermissionRow {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.rootLoaded {
		return ec.rootRows
	}
	ec.rootRows, ec.rootLoaded = rows, true
	return rows
}

func (ec *EvaluatorContext) rootID() (int64, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.rootAssetID, ec.rootIDKnown
}

func (ec *EvaluatorContext) storeRootID(id int64) int64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.rootIDKnown {
		return ec.rootAssetID
	}
	ec.rootAssetID, ec.rootIDKnown = id, true
	return id
}
