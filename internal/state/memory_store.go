package state

import (
	"context"
	"sync"
	"time"
)

type quotaKey struct {
	UserID string
	Day    string
}

type statKey struct {
	Day        string
	StatType   string
	Identifier string
}

// MemoryStore keeps all state behind a single mutex. The limit check
// and the increment happen under the same lock acquisition, so every
// Counters method is atomic with respect to concurrent callers.
type MemoryStore struct {
	mu        sync.Mutex
	quotas    map[quotaKey]QuotaCounts
	globalRun int
	userRun   map[string]int
	trees     map[string]TreeEntry
	stats     map[statKey]int
	audits    []AuditRecord
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotas:  make(map[quotaKey]QuotaCounts),
		userRun: make(map[string]int),
		trees:   make(map[string]TreeEntry),
		stats:   make(map[statKey]int),
		audits:  make([]AuditRecord, 0, 128),
		nextID:  1,
	}
}

func (m *MemoryStore) TryIncrementQuota(_ context.Context, userID, day string, llm bool, limits QuotaLimits) (QuotaCounts, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey{UserID: userID, Day: day}
	counts := m.quotas[key]
	if counts.Total >= limits.Total {
		return counts, false, nil
	}
	if llm && counts.LLM >= limits.LLM {
		return counts, false, nil
	}
	counts.Total++
	if llm {
		counts.LLM++
	}
	m.quotas[key] = counts
	return counts, true, nil
}

func (m *MemoryStore) GetQuotaCounts(_ context.Context, userID, day string) (QuotaCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[quotaKey{UserID: userID, Day: day}], nil
}

func (m *MemoryStore) TryClaimSlots(_ context.Context, userID string, maxGlobal, maxPerUser int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalRun >= maxGlobal || m.userRun[userID] >= maxPerUser {
		return false, nil
	}
	m.globalRun++
	m.userRun[userID]++
	return true, nil
}

func (m *MemoryStore) ReleaseSlots(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalRun > 0 {
		m.globalRun--
	}
	if m.userRun[userID] > 0 {
		m.userRun[userID]--
	}
	if m.userRun[userID] == 0 {
		delete(m.userRun, userID)
	}
	return nil
}

func (m *MemoryStore) ConcurrencySnapshot(_ context.Context, userID string) (ConcurrencyCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConcurrencyCounts{Global: m.globalRun, User: m.userRun[userID]}, nil
}

func (m *MemoryStore) CreateTreeEntry(_ context.Context, entry TreeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = TreePending
	}
	m.trees[entry.RootTaskID] = entry
	return nil
}

func (m *MemoryStore) GetTreeEntry(_ context.Context, rootTaskID string) (TreeEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.trees[rootTaskID]
	return entry, ok, nil
}

func (m *MemoryStore) MarkTreeRunning(_ context.Context, rootTaskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.trees[rootTaskID]
	if !ok {
		return false, ErrTreeNotFound
	}
	if entry.Status != TreePending {
		return false, nil
	}
	entry.Status = TreeRunning
	entry.UpdatedAt = time.Now().UTC()
	m.trees[rootTaskID] = entry
	return true, nil
}

func (m *MemoryStore) MarkTreeTerminal(_ context.Context, rootTaskID, status, reason string) (TreeEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.trees[rootTaskID]
	if !ok {
		return TreeEntry{}, false, ErrTreeNotFound
	}
	if IsTerminal(entry.Status) {
		return entry, false, nil
	}
	entry.Status = status
	entry.Reason = reason
	entry.UpdatedAt = time.Now().UTC()
	m.trees[rootTaskID] = entry
	return entry, true, nil
}

func (m *MemoryStore) ListOverdueTrees(_ context.Context, cutoff time.Time) ([]TreeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TreeEntry, 0)
	for _, entry := range m.trees {
		if IsTerminal(entry.Status) {
			continue
		}
		if !entry.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *MemoryStore) CountActiveUsers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userRun), nil
}

func (m *MemoryStore) IncrementUsageStat(_ context.Context, day, statType, identifier string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[statKey{Day: day, StatType: statType, Identifier: identifier}] += delta
	return nil
}

func (m *MemoryStore) GetUsageStat(_ context.Context, day, statType, identifier string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[statKey{Day: day, StatType: statType, Identifier: identifier}], nil
}

func (m *MemoryStore) AppendAuditRecord(_ context.Context, rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = m.nextID
	m.nextID++
	m.audits = append(m.audits, rec)
	return nil
}

func (m *MemoryStore) ListAuditRecords(_ context.Context, query AuditQuery) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	filtered := make([]AuditRecord, 0, len(m.audits))
	for _, a := range m.audits {
		if query.Action != "" && a.Action != query.Action {
			continue
		}
		if query.UserID != "" && a.UserID != query.UserID {
			continue
		}
		if query.Result != "" && a.Result != query.Result {
			continue
		}
		if !query.From.IsZero() && a.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && a.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, a)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]AuditRecord, 0, len(items))
	// Newest first for operator-facing endpoint.
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, cutoffDay string, entryCutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key := range m.quotas {
		if key.Day < cutoffDay {
			delete(m.quotas, key)
			purged++
		}
	}
	for key := range m.stats {
		if key.Day < cutoffDay {
			delete(m.stats, key)
			purged++
		}
	}
	for id, entry := range m.trees {
		if IsTerminal(entry.Status) && entry.UpdatedAt.Before(entryCutoff) {
			delete(m.trees, id)
			purged++
		}
	}
	return purged, nil
}
