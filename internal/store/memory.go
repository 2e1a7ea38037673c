package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/augustcredits/gateway/internal/auth"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	callers   map[uuid.UUID]*auth.Caller
	keyHashes map[string]uuid.UUID
	resources map[string]*Resource
	usage     map[uuid.UUID]*UsageRecord
	usageSeq  int64
	order     map[uuid.UUID]int64
	logs      []*RequestLog

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		callers:   make(map[uuid.UUID]*auth.Caller),
		keyHashes: make(map[string]uuid.UUID),
		resources: make(map[string]*Resource),
		usage:     make(map[uuid.UUID]*UsageRecord),
		order:     make(map[uuid.UUID]int64),
		now:       time.Now,
	}
}

// AddCaller registers a caller, indexed by its key hash.
func (m *MemoryStore) AddCaller(c *auth.Caller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.callers[c.ID] = &cp
	if c.KeyHash != "" {
		m.keyHashes[c.KeyHash] = c.ID
	}
}

// AddResource registers a resource by name.
func (m *MemoryStore) AddResource(r *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.resources[r.Name] = &cp
}

func (m *MemoryStore) GetCallerByKeyHash(ctx context.Context, keyHash string) (*auth.Caller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keyHashes[keyHash]
	if !ok {
		return nil, nil
	}
	cp := *m.callers[id]
	return &cp, nil
}

func (m *MemoryStore) GetCallerByID(ctx context.Context, id uuid.UUID) (*auth.Caller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.callers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetResourceByName(ctx context.Context, name string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[name]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) WriteRequestLog(ctx context.Context, log *RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.logs = append(m.logs, &cp)
	return nil
}

// UpsertUsage folds the delta into the open pending aggregate for the
// key, creating one when none exists. Claimed and settled rows are
// never written to again; late usage for the same period opens a fresh
// pending row so the next settlement cycle still sees it.
func (m *MemoryStore) UpsertUsage(ctx context.Context, callerID, resourceID uuid.UUID, period string, deltaCount int64, deltaCost string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rec *UsageRecord
	for _, r := range m.usage {
		if r.CallerID == callerID && r.ResourceID == resourceID && r.Period == period && r.Status == StatusPending {
			rec = r
			break
		}
	}
	if rec == nil {
		rec = &UsageRecord{
			ID:         uuid.New(),
			CallerID:   callerID,
			ResourceID: resourceID,
			Period:     period,
			TotalCost:  "0",
			Status:     StatusPending,
			CreatedAt:  m.now(),
		}
		m.usage[rec.ID] = rec
		m.usageSeq++
		m.order[rec.ID] = m.usageSeq
	}

	total, err := AddCost(rec.TotalCost, deltaCost)
	if err != nil {
		return err
	}
	rec.RequestCount += deltaCount
	rec.TotalCost = total
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) GetPeriodUsage(ctx context.Context, callerID uuid.UUID, period string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, rec := range m.usage {
		if rec.CallerID == callerID && rec.Period == period {
			total += rec.RequestCount
		}
	}
	return total, nil
}

func (m *MemoryStore) GetCallerUsage(ctx context.Context, callerID uuid.UUID, period string) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*UsageRecord
	for _, rec := range m.usage {
		if rec.CallerID == callerID && rec.Period == period {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) FetchPendingUsage(ctx context.Context, limit int) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*UsageRecord
	for _, rec := range m.usage {
		if rec.Status == StatusPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimUsage(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.usage[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != StatusPending {
		return false, nil
	}
	rec.Status = StatusProcessing
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status SettlementStatus, txRef *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.usage[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.TxRef = txRef
	rec.UpdatedAt = m.now()
	return nil
}

// UsageByID returns a copy of a usage record, for tests.
func (m *MemoryStore) UsageByID(id uuid.UUID) (*UsageRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.usage[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// RequestLogs returns a copy of all audit entries, for tests.
func (m *MemoryStore) RequestLogs() []*RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RequestLog, len(m.logs))
	for i, l := range m.logs {
		cp := *l
		out[i] = &cp
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }
