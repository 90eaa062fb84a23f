package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("admission_decisions_total", map[string]string{"decision": "ADMIT_REAL"}, 3)
	r.SetGauge("concurrency_global_active", nil, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `admission_decisions_total{decision="ADMIT_REAL"} 3`) {
		t.Fatalf("missing decision counter in output: %s", out)
	}
	if !strings.Contains(out, `concurrency_global_active 2`) {
		t.Fatalf("missing concurrency gauge in output: %s", out)
	}
}

func TestCounterAccumulatesPerLabelSet(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("admission_decisions_total", map[string]string{"decision": "REJECT"}, 1)
	r.IncCounter("admission_decisions_total", map[string]string{"decision": "REJECT"}, 1)
	r.IncCounter("admission_decisions_total", map[string]string{"decision": "ADMIT_DEMO"}, 1)

	snap := r.Snapshot()
	if len(snap.Counters) != 2 {
		t.Fatalf("expected 2 counter series, got %d", len(snap.Counters))
	}
	for _, p := range snap.Counters {
		if p.Labels["decision"] == "REJECT" && p.Value != 2 {
			t.Fatalf("reject counter = %v, want 2", p.Value)
		}
	}
}
