package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/access"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db     *squealx.DB
	prefix string
}

func NewSQLAuditStore(db *squealx.DB, prefix string) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db, prefix: prefix}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *access.AuditEntry) error {
	q := `INSERT INTO #__audit_log(id, timestamp, principal, action, asset, allowed, error) VALUES(:id, :timestamp, :principal, :action, :asset, :allowed, :error)`
	_, err := s.db.NamedExecContext(ctx, withPrefix(q, s.prefix), map[string]any{
		"id":        entry.ID,
		"timestamp": formatTimestamp(entry.Timestamp),
		"principal": entry.Principal,
		"action":    entry.Action,
		"asset":     entry.Asset,
		"allowed":   boolToInt(entry.Allowed),
		"error":     entry.Error,
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter access.AuditFilter) ([]*access.AuditEntry, error) {
	q := `SELECT id, timestamp, principal, action, asset, allowed, error FROM #__audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.Principal != "" {
		q += " AND principal = :principal"
		params["principal"] = filter.Principal
	}
	if filter.Asset != "" {
		q += " AND asset = :asset"
		params["asset"] = filter.Asset
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatTimestamp(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatTimestamp(filter.EndTime)
	}
	q += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, withPrefix(q, s.prefix), params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*access.AuditEntry, 0)
	for r.Next() {
		var id, principal, action, asset, errText string
		var timestampRaw interface{}
		var allowedInt int
		if err := r.Scan(&id, &timestampRaw, &principal, &action, &asset, &allowedInt, &errText); err != nil {
			return nil, err
		}
		entry := &access.AuditEntry{
			ID:        id,
			Principal: principal,
			Action:    action,
			Asset:     asset,
			Allowed:   allowedInt != 0,
			Error:     errText,
		}
		switch v := timestampRaw.(type) {
		case time.Time:
			entry.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				entry.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				entry.Timestamp = t
			}
		}
		out = append(out, entry)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
