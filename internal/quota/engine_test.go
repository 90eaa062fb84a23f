package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aipartnerup/apflow-demo/internal/classify"
	"github.com/aipartnerup/apflow-demo/internal/state"
)

type stubCatalog bool

func (s stubCatalog) Available(context.Context) bool { return bool(s) }

func testEngine(t *testing.T, limits Limits, demo DemoCatalog) (*Engine, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	engine := NewEngine(store, demo, Options{
		Limits:    limits,
		OrphanTTL: 30 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	})
	return engine, store
}

func llmNodes() []classify.Node {
	return []classify.Node{{ExecutorID: "openai_executor"}}
}

func plainNodes() []classify.Node {
	return []classify.Node{{ExecutorID: "shell_executor"}}
}

func finish(t *testing.T, engine *Engine, rootID string) {
	t.Helper()
	if _, err := engine.TreeFinished(context.Background(), rootID, true); err != nil {
		t.Fatalf("finish %s: %v", rootID, err)
	}
}

func TestFreeUserDegradesToDemoAfterLLMLimit(t *testing.T) {
	limits := DefaultLimits()
	engine, _ := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != AdmitReal {
		t.Fatalf("first llm tree: %s (%s)", res.Decision, res.Reason)
	}
	if res.Quota.TotalUsed != 1 || res.Quota.LLMUsed != 1 {
		t.Fatalf("unexpected quota after first run: %+v", res.Quota)
	}
	finish(t, engine, res.RootTaskID)

	res, err = engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != AdmitDemo {
		t.Fatalf("second llm tree: %s (%s), want ADMIT_DEMO", res.Decision, res.Reason)
	}
	if res.Quota.TotalUsed != 2 || res.Quota.LLMUsed != 1 {
		t.Fatalf("demo admission must charge total only: %+v", res.Quota)
	}
}

func TestFreeUserRejectedWhenDemoUnavailable(t *testing.T) {
	engine, _ := testEngine(t, DefaultLimits(), stubCatalog(false))
	ctx := context.Background()

	res, _ := engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	if res.Decision != AdmitReal {
		t.Fatalf("first llm tree: %s", res.Decision)
	}
	finish(t, engine, res.RootTaskID)

	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != Reject || res.Reason != ReasonLLMQuotaExceeded {
		t.Fatalf("got %s (%s), want REJECT(%s)", res.Decision, res.Reason, ReasonLLMQuotaExceeded)
	}
}

func TestNonLLMTreesNeverDegrade(t *testing.T) {
	limits := Limits{TotalFree: 2, LLMFree: 1, TotalPremium: 2, MaxConcurrentTotal: 10, MaxConcurrentPerUser: 10}
	engine, _ := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if res.Decision != AdmitReal {
			t.Fatalf("decide %d: %s (%s)", i, res.Decision, res.Reason)
		}
		finish(t, engine, res.RootTaskID)
	}
	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != Reject || res.Reason != ReasonTotalQuotaExceeded {
		t.Fatalf("got %s (%s), want REJECT(%s)", res.Decision, res.Reason, ReasonTotalQuotaExceeded)
	}
}

func TestPremiumUserNeverGetsDemo(t *testing.T) {
	limits := Limits{TotalFree: 10, LLMFree: 1, TotalPremium: 2, MaxConcurrentTotal: 10, MaxConcurrentPerUser: 10}
	engine, _ := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := engine.Decide(ctx, Request{UserID: "p1", HasLLMKey: true, Nodes: llmNodes()})
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if res.Decision != AdmitReal {
			t.Fatalf("premium llm tree %d: %s (%s)", i, res.Decision, res.Reason)
		}
		finish(t, engine, res.RootTaskID)
	}
	res, err := engine.Decide(ctx, Request{UserID: "p1", HasLLMKey: true, Nodes: llmNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != Reject || res.Reason != ReasonTotalQuotaExceeded {
		t.Fatalf("got %s (%s), want REJECT(%s)", res.Decision, res.Reason, ReasonTotalQuotaExceeded)
	}
}

func TestConcurrencyRejectionDoesNotRefundQuota(t *testing.T) {
	limits := Limits{TotalFree: 10, LLMFree: 10, TotalPremium: 10, MaxConcurrentTotal: 10, MaxConcurrentPerUser: 1}
	engine, store := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil || res.Decision != AdmitReal {
		t.Fatalf("first decide: %s err=%v", res.Decision, err)
	}

	res, err = engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if res.Decision != Reject || res.Reason != ReasonConcurrencyExceeded {
		t.Fatalf("got %s (%s), want REJECT(%s)", res.Decision, res.Reason, ReasonConcurrencyExceeded)
	}

	counts, err := store.GetQuotaCounts(ctx, "u1", engine.day())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total != 2 {
		t.Fatalf("total=%d after concurrency rejection, want 2 (no refund)", counts.Total)
	}
}

func TestFinishReleasesSlotsExactlyOnce(t *testing.T) {
	limits := Limits{TotalFree: 10, LLMFree: 10, TotalPremium: 10, MaxConcurrentTotal: 10, MaxConcurrentPerUser: 1}
	engine, store := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil || res.Decision != AdmitReal {
		t.Fatalf("decide: %s err=%v", res.Decision, err)
	}
	if err := engine.TreeStarted(ctx, res.RootTaskID); err != nil {
		t.Fatalf("started: %v", err)
	}

	entry, err := engine.TreeFinished(ctx, res.RootTaskID, true)
	if err != nil {
		t.Fatalf("finished: %v", err)
	}
	if entry.Status != state.TreeCompleted {
		t.Fatalf("status after finish = %s", entry.Status)
	}

	// At-least-once delivery: the duplicate must be a no-op.
	if _, err := engine.TreeFinished(ctx, res.RootTaskID, false); err != nil {
		t.Fatalf("duplicate finished: %v", err)
	}
	snap, err := store.ConcurrencySnapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Global != 0 || snap.User != 0 {
		t.Fatalf("slots after duplicate finish: %+v", snap)
	}

	// The freed slot must be claimable again.
	res, err = engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil || res.Decision != AdmitReal {
		t.Fatalf("decide after release: %s err=%v", res.Decision, err)
	}
}

func TestFinishedForUnknownTree(t *testing.T) {
	engine, _ := testEngine(t, DefaultLimits(), stubCatalog(true))
	if _, err := engine.TreeFinished(context.Background(), "missing", true); !errors.Is(err, state.ErrTreeNotFound) {
		t.Fatalf("expected ErrTreeNotFound, got %v", err)
	}
}

func TestCompletionUpdatesUsageStats(t *testing.T) {
	engine, store := testEngine(t, DefaultLimits(), stubCatalog(true))
	ctx := context.Background()

	res, _ := engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	finish(t, engine, res.RootTaskID)
	res, _ = engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	if res.Decision != AdmitDemo {
		t.Fatalf("expected demo admission, got %s", res.Decision)
	}
	finish(t, engine, res.RootTaskID)

	day := engine.day()
	if n, _ := store.GetUsageStat(ctx, day, StatTotal, StatTotal); n != 2 {
		t.Fatalf("total stat = %d, want 2", n)
	}
	if n, _ := store.GetUsageStat(ctx, day, StatDemo, StatDemo); n != 1 {
		t.Fatalf("demo stat = %d, want 1", n)
	}
	if n, _ := store.GetUsageStat(ctx, day, StatUser, "u1"); n != 2 {
		t.Fatalf("user stat = %d, want 2", n)
	}
}

type brokenStore struct {
	state.Store
}

func (b *brokenStore) TryIncrementQuota(context.Context, string, string, bool, state.QuotaLimits) (state.QuotaCounts, bool, error) {
	return state.QuotaCounts{}, false, errors.New("connection refused")
}

func TestStoreErrorFailsClosed(t *testing.T) {
	store := &brokenStore{Store: state.NewMemoryStore()}
	engine := NewEngine(store, stubCatalog(true), Options{Limits: DefaultLimits()})

	res, err := engine.Decide(context.Background(), Request{UserID: "u1", Nodes: plainNodes()})
	if err == nil {
		t.Fatalf("expected error from failing store")
	}
	if res.Decision != Reject || res.Reason != ReasonStoreUnavailable {
		t.Fatalf("got %s (%s), want REJECT(%s)", res.Decision, res.Reason, ReasonStoreUnavailable)
	}
}

func TestReexecutionSkipsQuota(t *testing.T) {
	engine, store := testEngine(t, DefaultLimits(), stubCatalog(true))
	ctx := context.Background()

	res, err := engine.Decide(ctx, Request{UserID: "u1", RootTaskID: "tree-1", Nodes: llmNodes()})
	if err != nil || res.Decision != AdmitReal {
		t.Fatalf("decide: %s err=%v", res.Decision, err)
	}
	finish(t, engine, "tree-1")

	res, err = engine.Decide(ctx, Request{UserID: "u1", RootTaskID: "tree-1", Nodes: llmNodes()})
	if err != nil {
		t.Fatalf("re-execution decide: %v", err)
	}
	if res.Decision != AdmitReal {
		t.Fatalf("re-execution: %s (%s)", res.Decision, res.Reason)
	}
	counts, _ := store.GetQuotaCounts(ctx, "u1", engine.day())
	if counts.Total != 1 || counts.LLM != 1 {
		t.Fatalf("re-execution spent quota: %+v", counts)
	}
}

func TestQuotaResetsAtUTCMidnight(t *testing.T) {
	limits := Limits{TotalFree: 1, LLMFree: 1, TotalPremium: 1, MaxConcurrentTotal: 10, MaxConcurrentPerUser: 10}
	clock := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	engine := NewEngine(state.NewMemoryStore(), stubCatalog(true), Options{
		Limits: limits,
		Now:    func() time.Time { return clock },
	})
	ctx := context.Background()

	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil || res.Decision != AdmitReal {
		t.Fatalf("decide: %s err=%v", res.Decision, err)
	}
	if res.Quota.Day != "2026-08-24" {
		t.Fatalf("day = %q", res.Quota.Day)
	}
	finish(t, engine, res.RootTaskID)

	res, err = engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != Reject || res.Reason != ReasonTotalQuotaExceeded {
		t.Fatalf("got %s (%s), want REJECT(%s)", res.Decision, res.Reason, ReasonTotalQuotaExceeded)
	}

	// Two minutes later it is the next UTC day and the counters start
	// fresh; yesterday's exhaustion must not carry over.
	clock = clock.Add(2 * time.Minute)
	res, err = engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Decision != AdmitReal {
		t.Fatalf("next-day tree: %s (%s)", res.Decision, res.Reason)
	}
	if res.Quota.Day != "2026-08-25" || res.Quota.TotalUsed != 1 {
		t.Fatalf("next-day quota: %+v", res.Quota)
	}
}

func TestSweepFailsOrphansAndReleasesSlots(t *testing.T) {
	limits := Limits{TotalFree: 10, LLMFree: 10, TotalPremium: 10, MaxConcurrentTotal: 10, MaxConcurrentPerUser: 1}
	now := time.Now().UTC()
	clock := now
	engine := NewEngine(state.NewMemoryStore(), stubCatalog(true), Options{
		Limits:    limits,
		OrphanTTL: 30 * time.Minute,
		Retention: 7 * 24 * time.Hour,
		Now:       func() time.Time { return clock },
	})
	ctx := context.Background()

	res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
	if err != nil || res.Decision != AdmitReal {
		t.Fatalf("decide: %s err=%v", res.Decision, err)
	}
	if err := engine.TreeStarted(ctx, res.RootTaskID); err != nil {
		t.Fatalf("started: %v", err)
	}

	// Fresh trees must survive a sweep.
	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Orphaned != 0 {
		t.Fatalf("fresh tree swept: %+v", report)
	}

	clock = now.Add(time.Hour)
	report, err = engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Orphaned != 1 {
		t.Fatalf("orphaned = %d, want 1", report.Orphaned)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.GlobalActive != 0 || stats.ActiveUsers != 0 {
		t.Fatalf("sweep did not release slots: %+v", stats)
	}

	// The late finish signal after a sweep must not double-release.
	if _, err := engine.TreeFinished(ctx, res.RootTaskID, true); err != nil {
		t.Fatalf("late finish: %v", err)
	}
	snap, _ := engine.store.ConcurrencySnapshot(ctx, "u1")
	if snap.Global != 0 {
		t.Fatalf("global count after late finish: %d", snap.Global)
	}

	trail, err := engine.AuditTrail(ctx, state.AuditQuery{Action: "sweep"})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != 1 || trail[0].Result != ReasonOrphaned {
		t.Fatalf("unexpected sweep audit trail: %+v", trail)
	}
}

func TestUserStatusReportsLimits(t *testing.T) {
	engine, _ := testEngine(t, DefaultLimits(), stubCatalog(true))
	ctx := context.Background()

	res, _ := engine.Decide(ctx, Request{UserID: "u1", Nodes: llmNodes()})
	if res.Decision != AdmitReal {
		t.Fatalf("decide: %s", res.Decision)
	}

	st, err := engine.UserStatus(ctx, "u1", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Quota.TotalUsed != 1 || st.Quota.TotalLimit != 10 || st.Quota.LLMUsed != 1 || st.Quota.LLMLimit != 1 {
		t.Fatalf("unexpected status quota: %+v", st.Quota)
	}
	if st.Concurrency.Global != 1 || st.Concurrency.User != 1 {
		t.Fatalf("unexpected status concurrency: %+v", st.Concurrency)
	}
	if st.MaxConcurrentTotal != 10 || st.MaxConcurrentPerUser != 1 {
		t.Fatalf("concurrency caps missing from status: %+v", st)
	}
	if st.IsPremium {
		t.Fatalf("free-tier status reported premium")
	}

	// The premium view of the same counters has the higher LLM ceiling.
	st, err = engine.UserStatus(ctx, "u1", true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Quota.LLMLimit != 10 {
		t.Fatalf("premium llm limit = %d, want 10", st.Quota.LLMLimit)
	}
	if !st.IsPremium {
		t.Fatalf("premium status not reported")
	}
}

func TestConcurrentDecidesRespectGlobalLimit(t *testing.T) {
	limits := Limits{TotalFree: 100, LLMFree: 100, TotalPremium: 100, MaxConcurrentTotal: 5, MaxConcurrentPerUser: 1}
	engine, store := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	const users = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Decide(ctx, Request{
				UserID: fmt.Sprintf("user-%d", i),
				Nodes:  plainNodes(),
			})
			if err != nil {
				t.Errorf("decide: %v", err)
				return
			}
			switch res.Decision {
			case AdmitReal:
				mu.Lock()
				admitted++
				mu.Unlock()
			case Reject:
				if res.Reason != ReasonConcurrencyExceeded {
					t.Errorf("unexpected rejection reason %q", res.Reason)
				}
			default:
				t.Errorf("unexpected decision %s", res.Decision)
			}
		}(i)
	}
	wg.Wait()

	if admitted != 5 {
		t.Fatalf("admitted = %d, want exactly 5", admitted)
	}
	snap, err := store.ConcurrencySnapshot(ctx, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Global != 5 {
		t.Fatalf("global active = %d, want 5", snap.Global)
	}
}

func TestGeneratedRootIDsAreUnique(t *testing.T) {
	limits := Limits{TotalFree: 100, LLMFree: 100, TotalPremium: 100, MaxConcurrentTotal: 100, MaxConcurrentPerUser: 100}
	engine, _ := testEngine(t, limits, stubCatalog(true))
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 10; i++ {
		res, err := engine.Decide(ctx, Request{UserID: "u1", Nodes: plainNodes()})
		if err != nil || res.Decision != AdmitReal {
			t.Fatalf("decide %d: %s err=%v", i, res.Decision, err)
		}
		if !strings.HasPrefix(res.RootTaskID, "tree-") {
			t.Fatalf("unexpected generated id %q", res.RootTaskID)
		}
		if _, dup := seen[res.RootTaskID]; dup {
			t.Fatalf("duplicate generated id %q", res.RootTaskID)
		}
		seen[res.RootTaskID] = struct{}{}
	}
}
