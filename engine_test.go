package access_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/access"
	"github.com/oarkflow/access/stores"
)

// fixture builds this tree:
//
//	assets: 1 root > {2 com_content > 3 com_content.article.1, 4 com_banners, 5 com_broken}
//	groups: 1 Public > {2 Registered > 3 Author, 5 Special, 8 Super Users}
func fixture() *access.Seed {
	return &access.Seed{
		Assets: []access.AssetSeed{
			{ID: 1, Name: "root.1", Title: "Root"},
			{ID: 2, ParentID: 1, Name: "com_content", Rules: `{"core.delete":{"2":1}}`},
			{ID: 3, ParentID: 2, Name: "com_content.article.1"},
			{ID: 4, ParentID: 1, Name: "com_banners", Rules: `{"core.manage":{"2":1,"-42":0}}`},
			{ID: 5, ParentID: 1, Name: "com_broken", Rules: `{bad`},
		},
		Groups: []access.GroupSeed{
			{ID: 1, Title: "Public"},
			{ID: 2, ParentID: 1, Title: "Registered"},
			{ID: 3, ParentID: 2, Title: "Author"},
			{ID: 5, ParentID: 1, Title: "Special"},
			{ID: 8, ParentID: 1, Title: "Super Users"},
		},
		Memberships: []access.MembershipSeed{
			{UserID: 42, GroupID: 3},
			{UserID: 7, GroupID: 2},
			{UserID: 99, GroupID: 8},
		},
		Permissions: []access.PermissionSeed{
			{AssetID: 1, Action: "core.admin", GroupID: 8, Value: 1},
			{AssetID: 1, Action: "core.view", GroupID: 1, Value: 1},
			{AssetID: 1, Action: "core.edit", GroupID: 2, Value: 1},
			{AssetID: 1, Action: "core.delete", GroupID: 2, Value: 0},
			{AssetID: 1, Action: "core.create", GroupID: 2, Value: 0},
			{AssetID: 1, Action: "core.create", GroupID: 3, Value: 1},
			{AssetID: 2, Action: "core.edit.state", GroupID: 2, Value: 1},
			{AssetID: 3, Action: "core.edit", GroupID: 2, Value: 0},
			{AssetID: 3, Action: "core.delete", GroupID: 2, Value: 1},
			{AssetID: 3, Action: "core.view", GroupID: -7, Value: 0},
		},
		ViewLevels: []access.ViewLevelSeed{
			{ID: 1, Title: "Public", Rules: []int64{1}},
			{ID: 2, Title: "Registered", Rules: []int64{2}},
			{ID: 3, Title: "Special", Rules: []int64{5, -7}},
		},
	}
}

func newEngine(t *testing.T, opts ...access.EngineOption) (*access.Engine, *stores.MemoryStore) {
	t.Helper()
	store, err := stores.NewMemoryStoreFromSeed(fixture())
	require.NoError(t, err)
	e, err := access.NewEngine(store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, store
}

func check(t *testing.T, e *access.Engine, user int64, action string, asset access.AssetRef) bool {
	t.Helper()
	allowed, err := e.Check(context.Background(), user, action, asset)
	require.NoError(t, err)
	return allowed
}

func TestInheritanceOverride(t *testing.T) {
	e, _ := newEngine(t)
	require.False(t, check(t, e, 7, "core.edit", access.AssetByID(3)), "leaf deny overrides root allow")
	require.True(t, check(t, e, 7, "core.edit", access.AssetByID(2)), "root allow is inherited")
	require.True(t, check(t, e, 7, "core.delete", access.AssetByID(3)), "leaf allow overrides root deny")
	require.False(t, check(t, e, 7, "core.delete", access.AssetByID(1)))
}

func TestImplicitDeny(t *testing.T) {
	e, _ := newEngine(t)
	require.False(t, check(t, e, 7, "core.nothing", access.AssetByID(3)))
	require.False(t, check(t, e, 99, "core.nothing", access.AssetRef{}))
}

func TestUserRuleBeatsGroupRule(t *testing.T) {
	e, _ := newEngine(t)
	require.False(t, check(t, e, 7, "core.view", access.AssetByID(3)), "per-user deny is checked before groups")
	require.True(t, check(t, e, 42, "core.view", access.AssetByID(3)))
}

func TestDeepestGroupDecidesFirst(t *testing.T) {
	e, _ := newEngine(t)
	// user 42 is an Author (3) below Registered (2): 3 allows, 2 denies
	require.True(t, check(t, e, 42, "core.create", access.AssetByID(1)))
	require.False(t, check(t, e, 7, "core.create", access.AssetByID(1)))
}

func TestOrphanAssetFallsBackToRoot(t *testing.T) {
	e, _ := newEngine(t)
	cases := []struct {
		user   int64
		action string
	}{
		{99, "core.admin"},
		{7, "core.admin"},
		{7, "core.edit"},
		{42, "core.view"},
	}
	for _, c := range cases {
		orphan := check(t, e, c.user, c.action, access.AssetByID(999))
		byName := check(t, e, c.user, c.action, access.AssetByName("com_missing.item.3"))
		root := check(t, e, c.user, c.action, access.AssetRef{})
		require.Equal(t, root, orphan, "user %d action %s", c.user, c.action)
		require.Equal(t, root, byName, "user %d action %s", c.user, c.action)
	}
	require.True(t, check(t, e, 99, "core.admin", access.AssetByID(999)))
}

func TestCacheIdempotence(t *testing.T) {
	e, store := newEngine(t)
	first := check(t, e, 7, "core.edit", access.AssetByID(2))
	queries := store.Queries()
	require.Positive(t, queries)
	second := check(t, e, 7, "core.edit", access.AssetByID(2))
	require.Equal(t, first, second)
	require.Equal(t, queries, store.Queries(), "second evaluation must be served from cache")
}

func TestGroupPath(t *testing.T) {
	store := stores.NewMemoryStore()
	store.PutGroup(access.GroupSeed{ID: 10, Lft: 1, Rgt: 10, Title: "Root"})
	store.PutGroup(access.GroupSeed{ID: 20, ParentID: 10, Lft: 2, Rgt: 7, Title: "Mid"})
	store.PutGroup(access.GroupSeed{ID: 30, ParentID: 20, Lft: 3, Rgt: 4, Title: "Leaf"})
	store.PutGroup(access.GroupSeed{ID: 40, ParentID: 10, Lft: 8, Rgt: 9, Title: "Other"})
	e, err := access.NewEngine(store)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	path, err := e.GetGroupPath(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30}, path)

	path, err = e.GetGroupPath(ctx, 40)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 40}, path)

	path, err = e.GetGroupPath(ctx, 77)
	require.NoError(t, err)
	require.Empty(t, path)

	path, err = e.GetGroupPath(ctx, 30)
	require.NoError(t, err)
	path[0] = 99
	again, err := e.GetGroupPath(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30}, again)
}

func TestCheckGroup(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	allowed, err := e.CheckGroup(ctx, 3, "core.edit", access.AssetByID(2))
	require.NoError(t, err)
	require.True(t, allowed, "group 3 inherits the allow given to its parent")

	allowed, err = e.CheckGroup(ctx, 3, "core.edit", access.AssetByID(3))
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = e.CheckGroup(ctx, 404, "core.view", access.AssetByID(3))
	require.NoError(t, err)
	require.False(t, allowed, "unknown group has an empty chain")
}

func TestGetGroupsByUser(t *testing.T) {
	e, _ := newEngine(t, access.WithConfig(func() access.Config {
		cfg := access.DefaultConfig()
		cfg.GuestGroupID = 2
		return cfg
	}()))
	ctx := context.Background()

	groups, err := e.GetGroupsByUser(ctx, 42, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, groups)

	groups, err = e.GetGroupsByUser(ctx, 42, false)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, groups)

	groups, err = e.GetGroupsByUser(ctx, 0, false)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, groups, "guest group only")

	groups, err = e.GetGroupsByUser(ctx, 0, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, groups, "guest group with ancestors")

	groups, err = e.GetGroupsByUser(ctx, 13, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, groups, "user without groups falls back to public")
}

func TestViewLevels(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	levels, err := e.GetAuthorisedViewLevels(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, levels)

	levels, err = e.GetAuthorisedViewLevels(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, levels, "level 3 names user 7 directly")

	levels, err = e.GetAuthorisedViewLevels(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, levels)

	store.AddMembership(42, 5)
	require.NoError(t, e.ClearStatics())
	levels, err = e.GetAuthorisedViewLevels(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, levels)
}

func TestViewLevelsAlwaysIncludePublic(t *testing.T) {
	e, err := access.NewEngine(stores.NewMemoryStore())
	require.NoError(t, err)
	defer e.Close()
	levels, err := e.GetAuthorisedViewLevels(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, levels)
}

func TestClearStaticsResetsCaches(t *testing.T) {
	e, store := newEngine(t)
	require.False(t, check(t, e, 7, "core.edit", access.AssetByID(3)))

	store.SetPermission(3, "core.edit", 2, true)
	require.False(t, check(t, e, 7, "core.edit", access.AssetByID(3)), "cached until cleared")

	old := e.Context()
	require.NoError(t, e.ClearStatics())
	require.NotSame(t, old, e.Context())
	require.Zero(t, e.Context().PermissionEntries())
	require.True(t, check(t, e, 7, "core.edit", access.AssetByID(3)))

	store.RemoveMembership(7, 2)
	require.NoError(t, e.ClearStatics())
	require.False(t, check(t, e, 7, "core.edit", access.AssetByID(2)), "membership change visible after clear")
}

func TestInlineRules(t *testing.T) {
	e, _ := newEngine(t)
	require.True(t, check(t, e, 7, "core.manage", access.AssetByID(4)), "inline rules apply without permission rows")
	require.False(t, check(t, e, 42, "core.manage", access.AssetByID(4)), "inline per-user deny")
	require.False(t, check(t, e, 7, "core.delete", access.AssetByID(2)), "permission rows replace inline rules")
	require.True(t, check(t, e, 42, "core.view", access.AssetByID(5)), "malformed inline rules are ignored")
}

func TestNormalization(t *testing.T) {
	e, _ := newEngine(t)
	require.False(t, check(t, e, 7, "Core  Edit", access.AssetByName("COM_CONTENT.ARTICLE.1")))
	require.True(t, check(t, e, 7, "core-edit", access.AssetByName(" com_content ")))
	require.False(t, check(t, e, 7, "core.edit", access.AssetByName("3")), "numeric names are ids")
	require.True(t, check(t, e, 99, "core.admin", access.AssetByName("   ")), "blank name is the root")
}

func TestConfiguredRootAsset(t *testing.T) {
	cfg := access.DefaultConfig()
	cfg.RootAssetID = 3
	e, store := newEngine(t, access.WithConfig(cfg))
	require.False(t, check(t, e, 7, "core.edit", access.AssetRef{}))
	store.ResetQueries()
	require.False(t, check(t, e, 7, "core.edit", access.AssetRef{}))
	require.Zero(t, store.Queries())
}

func TestGetPermissions(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	rules, err := e.GetAssetRules(ctx, access.AssetByID(3), true)
	require.NoError(t, err)
	require.Contains(t, rules.Actions(), "core.admin")
	require.Equal(t, map[access.Identity]bool{2: false}, rules.Identities("core.edit"))

	own, err := e.GetAssetRules(ctx, access.AssetByID(3), false)
	require.NoError(t, err)
	require.Equal(t, []string{"core.delete", "core.edit", "core.view"}, own.Actions())

	only, err := e.GetPermissions(ctx, access.AssetQuery{Asset: access.AssetByID(3), Recursive: true, Action: "Core Edit"})
	require.NoError(t, err)
	require.Equal(t, []string{"core.edit"}, only.Actions())

	filtered, err := e.GetPermissions(ctx, access.AssetQuery{Asset: access.AssetByID(4), Groups: []int64{1}})
	require.NoError(t, err)
	require.Empty(t, filtered.Actions(), "inline rules are filtered by group")
}

func TestPerActionCache(t *testing.T) {
	cfg := access.DefaultConfig()
	cfg.PerActionCache = []string{"Core Admin"}
	e, store := newEngine(t, access.WithConfig(cfg))

	require.True(t, check(t, e, 99, "core.admin", access.AssetByID(3)))
	require.Equal(t, 1, e.Context().PermissionEntries(), "per-action entry")
	require.False(t, check(t, e, 7, "core.edit", access.AssetByID(3)))
	require.Equal(t, 2, e.Context().PermissionEntries(), "other actions use the all-actions entry")

	require.NoError(t, e.ClearStatics())
	require.False(t, check(t, e, 99, "core.edit", access.AssetByID(3)))
	store.ResetQueries()
	require.True(t, check(t, e, 99, "core.admin", access.AssetByID(3)))
	require.Equal(t, 1, e.Context().PermissionEntries(), "resident all-actions entry is reused")
	require.Zero(t, store.Queries())
}

func TestActionsShareOneEntryByDefault(t *testing.T) {
	e, _ := newEngine(t)
	check(t, e, 99, "core.admin", access.AssetByID(3))
	check(t, e, 7, "core.edit", access.AssetByID(3))
	check(t, e, 7, "core.delete", access.AssetByID(3))
	require.Equal(t, 1, e.Context().PermissionEntries())
}

func TestBoundedPermissionCache(t *testing.T) {
	cfg := access.DefaultConfig()
	cfg.PermissionCacheSize = 2
	e, _ := newEngine(t, access.WithConfig(cfg))
	for _, id := range []int64{1, 2, 3, 4} {
		check(t, e, 7, "core.edit", access.AssetByID(id))
	}
	require.Equal(t, 2, e.Context().PermissionEntries())
	require.False(t, check(t, e, 7, "core.edit", access.AssetByID(3)))
}

func TestStoreFailurePropagates(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	down := errors.New("connection refused")
	store.SetFailure(down)

	allowed, err := e.Check(ctx, 7, "core.edit", access.AssetByID(2))
	require.Error(t, err)
	require.False(t, allowed)
	require.True(t, access.IsDataAccessError(err))
	require.ErrorIs(t, err, down)
	var dae *access.DataAccessError
	require.ErrorAs(t, err, &dae)
	require.NotEmpty(t, dae.Op)

	_, err = e.GetGroupPath(ctx, 3)
	require.ErrorIs(t, err, down)
	_, err = e.GetAuthorisedViewLevels(ctx, 7)
	require.ErrorIs(t, err, down)
	_, err = e.GetGroupTitle(ctx, 3)
	require.ErrorIs(t, err, down)
	_, err = e.GetUsersByGroup(ctx, 2, true)
	require.ErrorIs(t, err, down)

	store.SetFailure(nil)
	require.True(t, check(t, e, 7, "core.edit", access.AssetByID(2)), "failures are not cached")
}

func TestUsersAndTitles(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	users, err := e.GetUsersByGroup(ctx, 2, true)
	require.NoError(t, err)
	require.Equal(t, []int64{7, 42}, users)

	users, err = e.GetUsersByGroup(ctx, 2, false)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, users)

	title, err := e.GetGroupTitle(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, "Super Users", title)
	title, err = e.GetGroupTitle(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, "Super Users", title)

	title, err = e.GetGroupTitle(ctx, 404)
	require.NoError(t, err)
	require.Empty(t, title)
}

func TestConcurrentEvaluations(t *testing.T) {
	e, _ := newEngine(t)
	const n = 64
	results := make([]bool, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%16 == 0 {
				_ = e.ClearStatics()
			}
			results[i], errs[i] = e.Check(context.Background(), 42, "core.create", access.AssetByID(3))
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i])
	}
}

func TestGroupTitlesSurviveClearStatics(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	first := e.Context()

	stop := make(chan struct{})
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []int64{1, 2, 3, 5, 8}
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				id := ids[(i+j)%len(ids)]
				title, err := e.GetGroupTitle(ctx, id)
				if err != nil {
					errs <- err
					return
				}
				if title == "" {
					errs <- errors.New("empty title")
					return
				}
			}
		}(i)
	}
	for i := 0; i < 200; i++ {
		require.NoError(t, e.ClearStatics())
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.True(t, first.Closed(), "replaced generations are closed once idle")
	require.False(t, e.Context().Closed())
	title, err := e.GetGroupTitle(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, "Super Users", title)
}

func TestClosedEngineStillAnswers(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Close())
	require.True(t, e.Context().Closed())

	title, err := e.GetGroupTitle(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "Author", title)
	require.True(t, check(t, e, 7, "core.edit", access.AssetByID(2)))
}

// cancelAwareStore fails the shared loads when their context is done.
type cancelAwareStore struct {
	*stores.MemoryStore
}

func (s cancelAwareStore) QueryAssetRows(ctx context.Context, q access.AssetQuery) ([]access.PermissionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.QueryAssetRows(ctx, q)
}

func (s cancelAwareStore) QueryGroupTree(ctx context.Context) ([]access.GroupNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.QueryGroupTree(ctx)
}

func TestSharedLoadIgnoresCallerCancellation(t *testing.T) {
	mem, err := stores.NewMemoryStoreFromSeed(fixture())
	require.NoError(t, err)
	e, err := access.NewEngine(cancelAwareStore{mem})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	allowed, err := e.Check(ctx, 7, "core.edit", access.AssetByID(2))
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := access.NewMetrics(reg)
	e, _ := newEngine(t, access.WithMetrics(m))

	check(t, e, 7, "core.edit", access.AssetByID(2))
	check(t, e, 7, "core.edit", access.AssetByID(2))
	check(t, e, 7, "core.edit", access.AssetByID(3))
	require.NoError(t, e.ClearStatics())

	require.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("allow")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("deny")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("permissions", "hit")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("permissions", "miss")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StoreQueries.WithLabelValues("asset_rows", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheResets))
}

func TestAuditTrail(t *testing.T) {
	audit := access.NewMemoryAuditStore()
	store, err := stores.NewMemoryStoreFromSeed(fixture())
	require.NoError(t, err)
	e, err := access.NewEngine(store, access.WithAuditStore(audit))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = e.Check(ctx, 7, "core.edit", access.AssetByID(2))
	require.NoError(t, err)
	_, err = e.CheckGroup(ctx, 8, "core.admin", access.AssetByID(3))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	entries, err := audit.GetAccessLog(ctx, access.AuditFilter{Principal: "user:7"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Allowed)
	require.Equal(t, "core.edit", entries[0].Action)
	require.Equal(t, "2", entries[0].Asset)
	require.NotEmpty(t, entries[0].ID)

	all, err := audit.GetAccessLog(ctx, access.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// decisions after Close are not recorded
	_, err = e.Check(ctx, 7, "core.edit", access.AssetByID(2))
	require.NoError(t, err)
	all, err = audit.GetAccessLog(ctx, access.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestNewEngineValidation(t *testing.T) {
	_, err := access.NewEngine(nil)
	require.Error(t, err)

	cfg := access.DefaultConfig()
	cfg.PermissionCacheSize = -3
	_, err = access.NewEngine(stores.NewMemoryStore(), access.WithConfig(cfg))
	require.Error(t, err)

	cfg = access.DefaultConfig()
	cfg.PublicViewLevel = 0
	_, err = access.NewEngine(stores.NewMemoryStore(), access.WithConfig(cfg))
	require.Error(t, err)
}
