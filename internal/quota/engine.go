// Package quota implements the admission engine: daily quota
// accounting, concurrency slot control and the task-tree registry that
// ties lifecycle signals back to slot releases.
package quota

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aipartnerup/apflow-demo/internal/classify"
	"github.com/aipartnerup/apflow-demo/internal/observability"
	"github.com/aipartnerup/apflow-demo/internal/state"
)

// Admission decisions.
const (
	AdmitReal = "ADMIT_REAL"
	AdmitDemo = "ADMIT_DEMO"
	Reject    = "REJECT"
)

// Rejection and failure reason codes. These are part of the API
// surface; clients branch on them.
const (
	ReasonTotalQuotaExceeded  = "total_quota_exceeded"
	ReasonLLMQuotaExceeded    = "llm_quota_exceeded"
	ReasonConcurrencyExceeded = "concurrency_limit_exceeded"
	ReasonStoreUnavailable    = "quota_store_unavailable"
	ReasonOrphaned            = "orphaned"
	ReasonExecutionFailed     = "execution_failed"
)

// Usage stat types recorded on completion.
const (
	StatTotal = "total"
	StatDemo  = "demo"
	StatUser  = "user"
)

// DemoCatalog reports whether precomputed demo content can back a
// degraded run for this tree.
type DemoCatalog interface {
	Available(ctx context.Context) bool
}

// Request describes one task tree asking for admission.
type Request struct {
	UserID     string
	HasLLMKey  bool
	RootTaskID string
	Nodes      []classify.Node
}

// QuotaInfo is the counter snapshot returned with every decision and
// status query.
type QuotaInfo struct {
	Day        string `json:"day"`
	TotalUsed  int    `json:"total_used"`
	TotalLimit int    `json:"total_limit"`
	LLMUsed    int    `json:"llm_used"`
	LLMLimit   int    `json:"llm_limit"`
}

// Result is the outcome of one admission attempt.
type Result struct {
	Decision       string
	Reason         string
	RootTaskID     string
	IsLLMConsuming bool
	Quota          QuotaInfo
}

// Status is the read-only quota view for one user.
type Status struct {
	UserID               string
	IsPremium            bool
	Quota                QuotaInfo
	Concurrency          state.ConcurrencyCounts
	MaxConcurrentTotal   int
	MaxConcurrentPerUser int
}

// SystemStats aggregates today's counters for the stats endpoint.
type SystemStats struct {
	Day             string
	GlobalActive    int
	ActiveUsers     int
	ExecutionsToday int
	DemoRunsToday   int
	MaxConcurrent   int
	MaxPerUser      int
}

// SweepReport summarizes one orphan sweep run.
type SweepReport struct {
	Orphaned int
	Purged   int
}

type Engine struct {
	store state.Store
	demo  DemoCatalog
	opts  Options
	seq   atomic.Uint64
}

func NewEngine(store state.Store, demo DemoCatalog, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = 30 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	return &Engine{store: store, demo: demo, opts: opts}
}

func (e *Engine) day() string {
	return e.opts.Now().UTC().Format("2006-01-02")
}

// Decide runs the admission pipeline: classify, spend quota, claim
// concurrency slots, register the tree. A non-nil error always pairs
// with a REJECT(quota_store_unavailable) result; the caller should
// surface it as retryable.
func (e *Engine) Decide(ctx context.Context, req Request) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "admission.decide",
		attribute.String("user_id", req.UserID))
	defer span.End()

	llm := classify.IsLLMConsuming(req.Nodes)
	day := e.day()
	totalLimit, llmLimit := e.opts.Limits.ForTier(req.HasLLMKey)
	limits := state.QuotaLimits{Total: totalLimit, LLM: llmLimit}

	// A tree already known to the registry is a re-execution: it was
	// admitted and charged once, so it runs again without a new spend.
	if req.RootTaskID != "" {
		entry, ok, err := e.store.GetTreeEntry(ctx, req.RootTaskID)
		if err != nil {
			return e.failClosed(ctx, req, err)
		}
		if ok {
			counts, err := e.store.GetQuotaCounts(ctx, req.UserID, day)
			if err != nil {
				return e.failClosed(ctx, req, err)
			}
			res := Result{
				Decision:       AdmitReal,
				RootTaskID:     entry.RootTaskID,
				IsLLMConsuming: entry.IsLLMConsuming,
				Quota:          quotaInfo(day, counts, limits),
			}
			if entry.UsedDemo {
				res.Decision = AdmitDemo
			}
			e.recordDecision(ctx, req.UserID, res.Decision, "reexecution")
			return res, nil
		}
	}

	usedDemo := false
	counts, ok, err := e.store.TryIncrementQuota(ctx, req.UserID, day, llm, limits)
	if err != nil {
		return e.failClosed(ctx, req, err)
	}
	if !ok {
		if counts.Total >= limits.Total {
			return e.reject(ctx, req, day, counts, limits, llm, ReasonTotalQuotaExceeded), nil
		}
		// Total headroom remains, so the LLM ceiling is what blocked the
		// increment. Free-tier trees degrade to demo mode, charged
		// against total only.
		if req.HasLLMKey || !llm || !e.demoAvailable(ctx) {
			return e.reject(ctx, req, day, counts, limits, llm, ReasonLLMQuotaExceeded), nil
		}
		counts, ok, err = e.store.TryIncrementQuota(ctx, req.UserID, day, false, limits)
		if err != nil {
			return e.failClosed(ctx, req, err)
		}
		if !ok {
			return e.reject(ctx, req, day, counts, limits, llm, ReasonTotalQuotaExceeded), nil
		}
		usedDemo = true
	}

	claimed, err := e.store.TryClaimSlots(ctx, req.UserID, e.opts.Limits.MaxConcurrentTotal, e.opts.Limits.MaxConcurrentPerUser)
	if err != nil {
		return e.failClosed(ctx, req, err)
	}
	if !claimed {
		// The quota spend is not refunded: admission was granted on
		// quota, the tree just cannot run yet.
		return e.reject(ctx, req, day, counts, limits, llm, ReasonConcurrencyExceeded), nil
	}

	rootID := req.RootTaskID
	if rootID == "" {
		rootID = fmt.Sprintf("tree-%d-%d", e.opts.Now().UTC().UnixNano(), e.seq.Add(1))
	}
	entry := state.TreeEntry{
		RootTaskID:     rootID,
		UserID:         req.UserID,
		IsLLMConsuming: llm,
		UsedDemo:       usedDemo,
		Status:         state.TreePending,
	}
	if err := e.store.CreateTreeEntry(ctx, entry); err != nil {
		if relErr := e.store.ReleaseSlots(ctx, req.UserID); relErr != nil {
			log.Printf("quota: release after failed registration for user=%s: %v", req.UserID, relErr)
		}
		return e.failClosed(ctx, req, err)
	}

	decision := AdmitReal
	if usedDemo {
		decision = AdmitDemo
	}
	e.recordDecision(ctx, req.UserID, decision, "")
	return Result{
		Decision:       decision,
		RootTaskID:     rootID,
		IsLLMConsuming: llm,
		Quota:          quotaInfo(day, counts, limits),
	}, nil
}

func (e *Engine) demoAvailable(ctx context.Context) bool {
	if e.demo == nil {
		return false
	}
	return e.demo.Available(ctx)
}

func (e *Engine) reject(ctx context.Context, req Request, day string, counts state.QuotaCounts, limits state.QuotaLimits, llm bool, reason string) Result {
	e.recordDecision(ctx, req.UserID, Reject, reason)
	return Result{
		Decision:       Reject,
		Reason:         reason,
		RootTaskID:     req.RootTaskID,
		IsLLMConsuming: llm,
		Quota:          quotaInfo(day, counts, limits),
	}
}

func (e *Engine) failClosed(ctx context.Context, req Request, err error) (Result, error) {
	log.Printf("quota: store unavailable for user=%s: %v", req.UserID, err)
	e.recordDecision(ctx, req.UserID, Reject, ReasonStoreUnavailable)
	return Result{
		Decision:   Reject,
		Reason:     ReasonStoreUnavailable,
		RootTaskID: req.RootTaskID,
	}, fmt.Errorf("quota store unavailable: %w", err)
}

func (e *Engine) recordDecision(ctx context.Context, userID, decision, reason string) {
	labels := map[string]string{"decision": decision}
	if reason != "" && decision == Reject {
		labels["reason"] = reason
	}
	observability.Default.IncCounter("admission_decisions_total", labels, 1)
	rec := state.AuditRecord{
		Action: "admission",
		UserID: userID,
		Result: decision,
		Reason: reason,
	}
	if err := e.store.AppendAuditRecord(ctx, rec); err != nil {
		log.Printf("quota: append audit record: %v", err)
	}
}

// TreeStarted handles the executor's start signal. Duplicate or late
// signals are logged and ignored.
func (e *Engine) TreeStarted(ctx context.Context, rootTaskID string) error {
	ctx, span := observability.StartSpan(ctx, "admission.tree_started",
		attribute.String("root_task_id", rootTaskID))
	defer span.End()

	moved, err := e.store.MarkTreeRunning(ctx, rootTaskID)
	if err != nil {
		return err
	}
	if !moved {
		log.Printf("quota: duplicate start signal for tree=%s", rootTaskID)
	}
	return nil
}

// TreeFinished handles the terminal lifecycle signal. Delivery is
// at-least-once; only the call that actually performs the transition
// releases the concurrency slots and bumps the usage stats.
func (e *Engine) TreeFinished(ctx context.Context, rootTaskID string, success bool) (state.TreeEntry, error) {
	ctx, span := observability.StartSpan(ctx, "admission.tree_finished",
		attribute.String("root_task_id", rootTaskID),
		attribute.Bool("success", success))
	defer span.End()

	status := state.TreeCompleted
	reason := ""
	if !success {
		status = state.TreeFailed
		reason = ReasonExecutionFailed
	}
	entry, transitioned, err := e.store.MarkTreeTerminal(ctx, rootTaskID, status, reason)
	if err != nil {
		return state.TreeEntry{}, err
	}
	if !transitioned {
		log.Printf("quota: duplicate finish signal for tree=%s (status=%s)", rootTaskID, entry.Status)
		return entry, nil
	}

	if err := e.store.ReleaseSlots(ctx, entry.UserID); err != nil {
		log.Printf("quota: release slots for tree=%s user=%s: %v", rootTaskID, entry.UserID, err)
	}
	e.recordCompletion(ctx, entry)
	return entry, nil
}

func (e *Engine) recordCompletion(ctx context.Context, entry state.TreeEntry) {
	day := e.day()
	if err := e.store.IncrementUsageStat(ctx, day, StatTotal, StatTotal, 1); err != nil {
		log.Printf("quota: usage stat total: %v", err)
	}
	if entry.UsedDemo {
		if err := e.store.IncrementUsageStat(ctx, day, StatDemo, StatDemo, 1); err != nil {
			log.Printf("quota: usage stat demo: %v", err)
		}
	}
	if err := e.store.IncrementUsageStat(ctx, day, StatUser, entry.UserID, 1); err != nil {
		log.Printf("quota: usage stat user: %v", err)
	}
	observability.Default.IncCounter("tree_completions_total", map[string]string{"status": entry.Status}, 1)
}

// UserStatus reports quota and concurrency usage without mutating
// anything.
func (e *Engine) UserStatus(ctx context.Context, userID string, hasLLMKey bool) (Status, error) {
	day := e.day()
	counts, err := e.store.GetQuotaCounts(ctx, userID, day)
	if err != nil {
		return Status{}, err
	}
	snap, err := e.store.ConcurrencySnapshot(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	totalLimit, llmLimit := e.opts.Limits.ForTier(hasLLMKey)
	return Status{
		UserID:               userID,
		IsPremium:            hasLLMKey,
		Quota:                quotaInfo(day, counts, state.QuotaLimits{Total: totalLimit, LLM: llmLimit}),
		Concurrency:          snap,
		MaxConcurrentTotal:   e.opts.Limits.MaxConcurrentTotal,
		MaxConcurrentPerUser: e.opts.Limits.MaxConcurrentPerUser,
	}, nil
}

func (e *Engine) Stats(ctx context.Context) (SystemStats, error) {
	day := e.day()
	snap, err := e.store.ConcurrencySnapshot(ctx, "")
	if err != nil {
		return SystemStats{}, err
	}
	users, err := e.store.CountActiveUsers(ctx)
	if err != nil {
		return SystemStats{}, err
	}
	total, err := e.store.GetUsageStat(ctx, day, StatTotal, StatTotal)
	if err != nil {
		return SystemStats{}, err
	}
	demo, err := e.store.GetUsageStat(ctx, day, StatDemo, StatDemo)
	if err != nil {
		return SystemStats{}, err
	}
	observability.Default.SetGauge("concurrency_global_active", nil, float64(snap.Global))
	observability.Default.SetGauge("concurrency_active_users", nil, float64(users))
	return SystemStats{
		Day:             day,
		GlobalActive:    snap.Global,
		ActiveUsers:     users,
		ExecutionsToday: total,
		DemoRunsToday:   demo,
		MaxConcurrent:   e.opts.Limits.MaxConcurrentTotal,
		MaxPerUser:      e.opts.Limits.MaxConcurrentPerUser,
	}, nil
}

// Sweep fails trees that have been non-terminal longer than the orphan
// TTL, releasing their slots through the same conditional transition
// the finished hook uses, then purges data past the retention window.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := observability.StartSpan(ctx, "admission.sweep")
	defer span.End()

	now := e.opts.Now().UTC()
	overdue, err := e.store.ListOverdueTrees(ctx, now.Add(-e.opts.OrphanTTL))
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{}
	for _, tree := range overdue {
		entry, transitioned, err := e.store.MarkTreeTerminal(ctx, tree.RootTaskID, state.TreeFailed, ReasonOrphaned)
		if err != nil {
			log.Printf("quota: sweep mark tree=%s: %v", tree.RootTaskID, err)
			continue
		}
		if !transitioned {
			continue
		}
		if err := e.store.ReleaseSlots(ctx, entry.UserID); err != nil {
			log.Printf("quota: sweep release tree=%s user=%s: %v", tree.RootTaskID, entry.UserID, err)
		}
		rec := state.AuditRecord{
			Action: "sweep",
			UserID: entry.UserID,
			Result: ReasonOrphaned,
			Details: fmt.Sprintf("tree=%s created_at=%s", entry.RootTaskID,
				entry.CreatedAt.Format(time.RFC3339)),
		}
		if err := e.store.AppendAuditRecord(ctx, rec); err != nil {
			log.Printf("quota: sweep audit: %v", err)
		}
		report.Orphaned++
	}
	if report.Orphaned > 0 {
		observability.Default.IncCounter("orphaned_trees_total", nil, float64(report.Orphaned))
		log.Printf("quota: sweep orphaned %d trees", report.Orphaned)
	}

	cutoffDay := now.Add(-e.opts.Retention).Format("2006-01-02")
	purged, err := e.store.PurgeExpired(ctx, cutoffDay, now.Add(-e.opts.Retention))
	if err != nil {
		return report, err
	}
	report.Purged = purged
	return report, nil
}

// Tree looks up one registry entry.
func (e *Engine) Tree(ctx context.Context, rootTaskID string) (state.TreeEntry, bool, error) {
	return e.store.GetTreeEntry(ctx, rootTaskID)
}

// AuditTrail lists recent admission and sweep records.
func (e *Engine) AuditTrail(ctx context.Context, query state.AuditQuery) ([]state.AuditRecord, error) {
	return e.store.ListAuditRecords(ctx, query)
}

func quotaInfo(day string, counts state.QuotaCounts, limits state.QuotaLimits) QuotaInfo {
	return QuotaInfo{
		Day:        day,
		TotalUsed:  counts.Total,
		TotalLimit: limits.Total,
		LLMUsed:    counts.LLM,
		LLMLimit:   limits.LLM,
	}
}
