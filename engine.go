package access

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/oarkflow/access/logger"
	"github.com/oarkflow/access/utils"
)

// EngineOption configures an Engine
type EngineOption func(*Engine) error

// Engine evaluates access rules stored in a Store. All memoized state lives
// in the current EvaluatorContext.
type Engine struct {
	store     Store
	cfg       Config
	logger    logger.Logger
	metrics   *Metrics
	perAction map[string]struct{}

	current atomic.Pointer[EvaluatorContext]

	auditStore AuditStore
	audit      *auditor
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithMetrics installs Prometheus collectors created by NewMetrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithAuditStore enables the asynchronous decision log.
func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) error {
		e.auditStore = s
		return nil
	}
}

func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	e := &Engine{
		store:  store,
		cfg:    DefaultConfig(),
		logger: &logger.NullLogger{},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.perAction = make(map[string]struct{}, len(e.cfg.PerActionCache))
	for _, a := range e.cfg.PerActionCache {
		e.perAction[utils.NormalizeName(a)] = struct{}{}
	}
	ec, err := newEvaluatorContext(e.cfg)
	if err != nil {
		return nil, err
	}
	e.current.Store(ec)
	if e.auditStore != nil {
		e.audit = newAuditor(e.auditStore, e.cfg.Audit.Buffer)
	}
	return e, nil
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// Context returns the current cache generation.
func (e *Engine) Context() *EvaluatorContext { return e.current.Load() }

// acquire pins the current cache generation until release is called. A
// generation retired concurrently is skipped. Once the engine is closed the
// closed generation is returned as is; its title cache then ignores reads and
// writes.
func (e *Engine) acquire() (*EvaluatorContext, func()) {
	for {
		ec := e.current.Load()
		if ec.acquire() {
			return ec, ec.release
		}
		if e.current.Load() == ec {
			return ec, func() {}
		}
	}
}

// ClearStatics drops every memoized lookup at once by installing a fresh
// EvaluatorContext. Evaluations already running finish on the old one.
func (e *Engine) ClearStatics() error {
	ec, err := newEvaluatorContext(e.cfg)
	if err != nil {
		return err
	}
	old := e.current.Swap(ec)
	if old != nil {
		old.retire()
	}
	e.metrics.reset()
	e.logger.Debug("access caches cleared")
	return nil
}

// Close stops the audit worker after flushing queued entries.
func (e *Engine) Close() error {
	if e.audit != nil {
		e.audit.close()
	}
	if ec := e.current.Load(); ec != nil {
		ec.retire()
	}
	return nil
}

// IsAllowed reports whether identity may perform action on asset. identity
// is a user id, or a group id when isGroup is set. The zero AssetRef means
// the root asset. A storage failure is returned as a *DataAccessError and no
// decision is made.
func (e *Engine) IsAllowed(ctx context.Context, identity int64, action string, asset AssetRef, isGroup bool) (bool, error) {
	ec, release := e.acquire()
	defer release()
	action = utils.NormalizeName(action)
	allowed, ref, err := e.isAllowed(ctx, ec, identity, action, asset, isGroup)
	e.metrics.decision(allowed, err)
	principal := PrincipalString(identity, isGroup)
	if err != nil {
		e.logger.Error("access check failed", "principal", principal, "action", action, "asset", ref.String(), "error", err)
	} else {
		e.logger.Debug("access decision", "principal", principal, "action", action, "asset", ref.String(), "allowed", allowed)
	}
	if e.audit != nil {
		e.audit.record(principal, action, ref.String(), allowed, err)
	}
	return allowed, err
}

func (e *Engine) isAllowed(ctx context.Context, ec *EvaluatorContext, identity int64, action string, asset AssetRef, isGroup bool) (bool, AssetRef, error) {
	ref, err := e.resolveAsset(ctx, ec, asset)
	if err != nil {
		return false, asset, err
	}
	chain, err := e.identityChain(ctx, ec, identity, isGroup)
	if err != nil {
		return false, ref, err
	}
	entry, err := e.permissions(ctx, ec, AssetQuery{Asset: ref, Recursive: true, Action: action})
	if err != nil {
		return false, ref, err
	}
	return entry.rules.Allow(action, chain), ref, nil
}

// Check is IsAllowed for a user.
func (e *Engine) Check(ctx context.Context, userID int64, action string, asset AssetRef) (bool, error) {
	return e.IsAllowed(ctx, userID, action, asset, false)
}

// CheckGroup is IsAllowed for a group.
func (e *Engine) CheckGroup(ctx context.Context, groupID int64, action string, asset AssetRef) (bool, error) {
	return e.IsAllowed(ctx, groupID, action, asset, true)
}

// GetAssetRules returns the merged rules of asset, including those inherited
// from its ancestors when recursive is set.
func (e *Engine) GetAssetRules(ctx context.Context, asset AssetRef, recursive bool) (*Rules, error) {
	return e.GetPermissions(ctx, AssetQuery{Asset: asset, Recursive: recursive})
}

// GetPermissions returns the merged rules matching q. When q names an action
// only that action is kept in the result.
func (e *Engine) GetPermissions(ctx context.Context, q AssetQuery) (*Rules, error) {
	ec, release := e.acquire()
	defer release()
	ref, err := e.resolveAsset(ctx, ec, q.Asset)
	if err != nil {
		return nil, err
	}
	q.Asset = ref
	q.Action = utils.NormalizeName(q.Action)
	entry, err := e.permissions(ctx, ec, q)
	if err != nil {
		return nil, err
	}
	if q.Action != "" {
		return entry.rules.only(q.Action), nil
	}
	return entry.rules, nil
}

// GetAuthorisedViewLevels returns the view levels the user may see, sorted.
// The public level is always included.
func (e *Engine) GetAuthorisedViewLevels(ctx context.Context, userID int64) ([]int64, error) {
	ec, release := e.acquire()
	defer release()
	levels, err := e.viewLevels(ctx, ec)
	if err != nil {
		return nil, err
	}
	groups, err := e.groupsByUser(ctx, ec, userID, true)
	if err != nil {
		return nil, err
	}
	member := make(map[int64]struct{}, len(groups))
	for _, g := range groups {
		member[g] = struct{}{}
	}
	authorised := map[int64]struct{}{e.cfg.PublicViewLevel: {}}
	for _, lvl := range levels {
		for _, m := range lvl.markers {
			if m < 0 {
				if userID != 0 && -m == userID {
					authorised[lvl.id] = struct{}{}
					break
				}
				continue
			}
			if _, ok := member[m]; ok {
				authorised[lvl.id] = struct{}{}
				break
			}
		}
	}
	out := make([]int64, 0, len(authorised))
	for id := range authorised {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (e *Engine) viewLevels(ctx context.Context, ec *EvaluatorContext) ([]viewLevelRule, error) {
	if levels, ok := ec.levels(); ok {
		e.metrics.cacheHit("view_levels")
		return levels, nil
	}
	e.metrics.cacheMiss("view_levels")
	rows, err := e.store.QueryViewLevels(ctx)
	e.metrics.query("view_levels", err)
	if err != nil {
		return nil, dataAccess("query view levels", err)
	}
	levels := make([]viewLevelRule, 0, len(rows))
	for _, row := range rows {
		markers, err := ParseMarkers(row.Rules)
		if err != nil {
			e.logger.Debug("skipping malformed view level rules", "level", row.ID, "error", err)
			continue
		}
		levels = append(levels, viewLevelRule{id: row.ID, markers: markers})
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].id < levels[j].id })
	return ec.storeLevels(levels), nil
}

// resolveAsset turns the caller's reference into the one used for lookups:
// numeric names become ids, names are normalized, and an empty reference
// becomes the root asset.
func (e *Engine) resolveAsset(ctx context.Context, ec *EvaluatorContext, asset AssetRef) (AssetRef, error) {
	if asset.Name != "" {
		asset = ParseAssetRef(asset.Name)
		if asset.Name != "" {
			asset.Name = utils.NormalizeName(asset.Name)
		}
	}
	if !asset.IsZero() {
		return asset, nil
	}
	if e.cfg.RootAssetID != 0 {
		return AssetByID(e.cfg.RootAssetID), nil
	}
	if id, ok := ec.rootID(); ok {
		return AssetByID(id), nil
	}
	id, err := e.store.QueryRootAssetID(ctx)
	e.metrics.query("root_asset_id", err)
	if err != nil {
		return asset, dataAccess("query root asset", err)
	}
	return AssetByID(ec.storeRootID(id)), nil
}
