package state

import (
	"context"
	"errors"
	"time"
)

// ErrTreeNotFound is returned by registry transitions for unknown root
// task ids.
var ErrTreeNotFound = errors.New("task tree entry not found")

// Counters holds the hot-path quota and concurrency counters. Every
// mutating method must be atomic under concurrent callers across
// service instances: the limit check and the increment are one
// indivisible operation, never a read-then-write.
type Counters interface {
	// TryIncrementQuota bumps the (user, day) counters if the applicable
	// limits allow it. An LLM increment checks and bumps both total and
	// llm in the same step; a non-LLM increment only total. The returned
	// counts reflect the row after the call (unchanged when ok=false).
	TryIncrementQuota(ctx context.Context, userID, day string, llm bool, limits QuotaLimits) (QuotaCounts, bool, error)
	GetQuotaCounts(ctx context.Context, userID, day string) (QuotaCounts, error)

	// TryClaimSlots claims one global and one per-user slot, or neither.
	TryClaimSlots(ctx context.Context, userID string, maxGlobal, maxPerUser int) (bool, error)
	// ReleaseSlots undoes one claim. Counters floor at zero; the caller
	// (the registry transition) is responsible for calling it at most
	// once per successful claim.
	ReleaseSlots(ctx context.Context, userID string) error
	ConcurrencySnapshot(ctx context.Context, userID string) (ConcurrencyCounts, error)
	// CountActiveUsers reports how many users currently hold at least
	// one slot.
	CountActiveUsers(ctx context.Context) (int, error)
}

// Store is the full persistence surface: counters plus the task-tree
// registry, usage statistics and the audit trail.
type Store interface {
	Counters

	CreateTreeEntry(ctx context.Context, entry TreeEntry) error
	GetTreeEntry(ctx context.Context, rootTaskID string) (TreeEntry, bool, error)
	// MarkTreeRunning transitions Pending -> Running. Returns false when
	// the entry is not Pending (duplicate or late start signal).
	MarkTreeRunning(ctx context.Context, rootTaskID string) (bool, error)
	// MarkTreeTerminal transitions Pending/Running -> status. The bool
	// reports whether this call performed the transition; only then may
	// the caller release concurrency slots. Already-terminal entries
	// return the stored entry and false.
	MarkTreeTerminal(ctx context.Context, rootTaskID, status, reason string) (TreeEntry, bool, error)
	ListOverdueTrees(ctx context.Context, cutoff time.Time) ([]TreeEntry, error)

	IncrementUsageStat(ctx context.Context, day, statType, identifier string, delta int) error
	GetUsageStat(ctx context.Context, day, statType, identifier string) (int, error)

	AppendAuditRecord(ctx context.Context, rec AuditRecord) error
	ListAuditRecords(ctx context.Context, query AuditQuery) ([]AuditRecord, error)

	// PurgeExpired drops quota counters and usage stats for days before
	// cutoffDay and terminal tree entries updated before entryCutoff.
	PurgeExpired(ctx context.Context, cutoffDay string, entryCutoff time.Time) (int, error)
}
