package access

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditStore manages audit logs
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry represents one access decision
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// Principal is "user:<id>" or "group:<id>".
	Principal string `json:"principal"`
	Action    string `json:"action"`
	Asset     string `json:"asset"`
	Allowed   bool   `json:"allowed"`
	Error     string `json:"error,omitempty"`
}

// AuditFilter for querying audit logs
type AuditFilter struct {
	Principal string
	Action    string
	Asset     string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Match reports whether entry passes every non-empty criterion of the filter.
func (f AuditFilter) Match(entry *AuditEntry) bool {
	if f.Principal != "" && entry.Principal != f.Principal {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Asset != "" && entry.Asset != f.Asset {
		return false
	}
	if !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// PrincipalString formats an identity the way audit entries record it.
func PrincipalString(identity int64, isGroup bool) string {
	if isGroup {
		return "group:" + strconv.FormatInt(identity, 10)
	}
	return "user:" + strconv.FormatInt(identity, 10)
}

type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		entries: make([]*AuditEntry, 0),
	}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AuditEntry, 0)
	for _, entry := range s.entries {
		if !filter.Match(entry) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// auditor drains decisions into an AuditStore from a single goroutine.
type auditor struct {
	store AuditStore
	ch    chan AuditEntry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newAuditor(store AuditStore, buffer int) *auditor {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &auditor{
		store: store,
		ch:    make(chan AuditEntry, buffer),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		bg := context.Background()
		for entry := range a.ch {
			_ = a.store.LogDecision(bg, &entry)
		}
	}()
	return a
}

func (a *auditor) record(principal, action, asset string, allowed bool, err error) {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Principal: principal,
		Action:    action,
		Asset:     asset,
		Allowed:   allowed,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- entry:
	default:
		// drop if channel is full to avoid blocking the decision path
	}
}

// close stops accepting entries and waits until the queue is drained.
func (a *auditor) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
