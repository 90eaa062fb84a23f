package state

import "context"

// WithCounters overlays a dedicated Counters backend on top of a base
// store, leaving the registry, stats and audit methods on the base.
// Used to pair the Redis counters with the memory or Postgres store.
func WithCounters(base Store, counters Counters) Store {
	return &splitStore{Store: base, counters: counters}
}

type splitStore struct {
	Store
	counters Counters
}

func (s *splitStore) TryIncrementQuota(ctx context.Context, userID, day string, llm bool, limits QuotaLimits) (QuotaCounts, bool, error) {
	return s.counters.TryIncrementQuota(ctx, userID, day, llm, limits)
}

func (s *splitStore) GetQuotaCounts(ctx context.Context, userID, day string) (QuotaCounts, error) {
	return s.counters.GetQuotaCounts(ctx, userID, day)
}

func (s *splitStore) TryClaimSlots(ctx context.Context, userID string, maxGlobal, maxPerUser int) (bool, error) {
	return s.counters.TryClaimSlots(ctx, userID, maxGlobal, maxPerUser)
}

func (s *splitStore) ReleaseSlots(ctx context.Context, userID string) error {
	return s.counters.ReleaseSlots(ctx, userID)
}

func (s *splitStore) ConcurrencySnapshot(ctx context.Context, userID string) (ConcurrencyCounts, error) {
	return s.counters.ConcurrencySnapshot(ctx, userID)
}

func (s *splitStore) CountActiveUsers(ctx context.Context) (int, error) {
	return s.counters.CountActiveUsers(ctx)
}
