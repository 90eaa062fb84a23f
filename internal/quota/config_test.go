package quota

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLimitsFromEnvDefaults(t *testing.T) {
	t.Setenv("APFLOW_DEMO_LIMITS_FILE", "")
	limits, err := LoadLimitsFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if limits != DefaultLimits() {
		t.Fatalf("unexpected defaults: %+v", limits)
	}
}

func TestLoadLimitsFromEnvOverrides(t *testing.T) {
	t.Setenv("APFLOW_DEMO_TOTAL_LIMIT_FREE", "20")
	t.Setenv("APFLOW_DEMO_MAX_CONCURRENT_PER_USER", "3")
	limits, err := LoadLimitsFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if limits.TotalFree != 20 || limits.MaxConcurrentPerUser != 3 {
		t.Fatalf("env overrides not applied: %+v", limits)
	}
	if limits.LLMFree != 1 {
		t.Fatalf("untouched field changed: %+v", limits)
	}
}

func TestLoadLimitsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := "total_limit_free: 50\nllm_limit_free: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("APFLOW_DEMO_LIMITS_FILE", path)

	limits, err := LoadLimitsFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if limits.TotalFree != 50 || limits.LLMFree != 5 {
		t.Fatalf("file overrides not applied: %+v", limits)
	}
	if limits.MaxConcurrentTotal != 10 {
		t.Fatalf("zero file field clobbered env value: %+v", limits)
	}
}

func TestLoadLimitsFromFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("total_limit_free: [oops"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("APFLOW_DEMO_LIMITS_FILE", path)
	if _, err := LoadLimitsFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestForTier(t *testing.T) {
	limits := DefaultLimits()
	total, llm := limits.ForTier(false)
	if total != 10 || llm != 1 {
		t.Fatalf("free tier: total=%d llm=%d", total, llm)
	}
	total, llm = limits.ForTier(true)
	if total != 10 || llm != 10 {
		t.Fatalf("premium tier: total=%d llm=%d", total, llm)
	}
}
