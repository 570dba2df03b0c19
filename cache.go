package access

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// permissionEntry is the cached outcome of one loader call. It is never
// modified after it has been stored.
type permissionEntry struct {
	layers   []RuleMap
	assetIDs []int64
	rules    *Rules
	fallback bool
}

// permissionCache stores entries with first-writer-wins semantics: add
// returns the entry already present for the key, if any, instead of
// replacing it.
type permissionCache interface {
	get(key string) (*permissionEntry, bool)
	add(key string, entry *permissionEntry) *permissionEntry
	len() int
}

type mapPermissionCache struct {
	mu      sync.RWMutex
	entries map[string]*permissionEntry
}

func newMapPermissionCache() *mapPermissionCache {
	return &mapPermissionCache{entries: make(map[string]*permissionEntry)}
}

func (c *mapPermissionCache) get(key string) (*permissionEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *mapPermissionCache) add(key string, entry *permissionEntry) *permissionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing
	}
	c.entries[key] = entry
	return entry
}

func (c *mapPermissionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// lruPermissionCache bounds the number of resident entries. An entry keeps
// first-writer-wins semantics for as long as it stays resident.
type lruPermissionCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *permissionEntry]
}

func newLRUPermissionCache(size int) (*lruPermissionCache, error) {
	c, err := lru.New[string, *permissionEntry](size)
	if err != nil {
		return nil, err
	}
	return &lruPermissionCache{cache: c}, nil
}

func (c *lruPermissionCache) get(key string) (*permissionEntry, bool) {
	return c.cache.Get(key)
}

func (c *lruPermissionCache) add(key string, entry *permissionEntry) *permissionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok, _ := c.cache.ContainsOrAdd(key, entry); ok {
		if existing, found := c.cache.Peek(key); found {
			return existing
		}
	}
	return entry
}

func (c *lruPermissionCache) len() int { return c.cache.Len() }

// permissionKey derives the cache fingerprint of a query. Group filters are
// compared as sets, so [2,1] and [1,2,2] share an entry.
func permissionKey(q AssetQuery) string {
	type keyMaterial struct {
		Asset     string  `json:"a"`
		ByID      bool    `json:"i"`
		Recursive bool    `json:"r"`
		Groups    []int64 `json:"g"`
		Action    *string `json:"x"`
	}
	km := keyMaterial{
		Asset:     q.Asset.String(),
		ByID:      q.Asset.ByID(),
		Recursive: q.Recursive,
		Groups:    normalizeGroups(q.Groups),
	}
	if q.Action != "" {
		action := q.Action
		km.Action = &action
	}
	data, _ := json.Marshal(km)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func normalizeGroups(groups []int64) []int64 {
	if len(groups) == 0 {
		return nil
	}
	out := slices.Clone(groups)
	slices.Sort(out)
	return slices.Compact(out)
}
