package quota

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits carries the daily quota ceilings and the concurrency caps.
// Premium users get no separate LLM ceiling; their LLM limit equals
// the total limit.
type Limits struct {
	TotalFree            int `yaml:"total_limit_free"`
	LLMFree              int `yaml:"llm_limit_free"`
	TotalPremium         int `yaml:"total_limit_premium"`
	MaxConcurrentTotal   int `yaml:"max_concurrent_total"`
	MaxConcurrentPerUser int `yaml:"max_concurrent_per_user"`
}

func DefaultLimits() Limits {
	return Limits{
		TotalFree:            10,
		LLMFree:              1,
		TotalPremium:         10,
		MaxConcurrentTotal:   10,
		MaxConcurrentPerUser: 1,
	}
}

// ForTier returns the quota pair applied to one admission attempt.
func (l Limits) ForTier(hasLLMKey bool) (total, llm int) {
	if hasLLMKey {
		return l.TotalPremium, l.TotalPremium
	}
	return l.TotalFree, l.LLMFree
}

// LoadLimitsFromEnv reads the numeric limits from APFLOW_DEMO_*
// variables and then applies the optional YAML overrides file named by
// APFLOW_DEMO_LIMITS_FILE. Zero fields in the file keep the env value.
func LoadLimitsFromEnv() (Limits, error) {
	def := DefaultLimits()
	limits := Limits{
		TotalFree:            getenvInt("APFLOW_DEMO_TOTAL_LIMIT_FREE", def.TotalFree),
		LLMFree:              getenvInt("APFLOW_DEMO_LLM_LIMIT_FREE", def.LLMFree),
		TotalPremium:         getenvInt("APFLOW_DEMO_TOTAL_LIMIT_PREMIUM", def.TotalPremium),
		MaxConcurrentTotal:   getenvInt("APFLOW_DEMO_MAX_CONCURRENT_TOTAL", def.MaxConcurrentTotal),
		MaxConcurrentPerUser: getenvInt("APFLOW_DEMO_MAX_CONCURRENT_PER_USER", def.MaxConcurrentPerUser),
	}

	path := strings.TrimSpace(os.Getenv("APFLOW_DEMO_LIMITS_FILE"))
	if path == "" {
		return limits, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("read limits file: %w", err)
	}
	var file Limits
	if err := yaml.Unmarshal(b, &file); err != nil {
		return Limits{}, fmt.Errorf("parse limits file: %w", err)
	}
	if file.TotalFree > 0 {
		limits.TotalFree = file.TotalFree
	}
	if file.LLMFree > 0 {
		limits.LLMFree = file.LLMFree
	}
	if file.TotalPremium > 0 {
		limits.TotalPremium = file.TotalPremium
	}
	if file.MaxConcurrentTotal > 0 {
		limits.MaxConcurrentTotal = file.MaxConcurrentTotal
	}
	if file.MaxConcurrentPerUser > 0 {
		limits.MaxConcurrentPerUser = file.MaxConcurrentPerUser
	}
	return limits, nil
}

// Options configures an Engine beyond the limits themselves.
type Options struct {
	Limits    Limits
	OrphanTTL time.Duration
	Retention time.Duration
	// Now is the clock used for day boundaries and sweep cutoffs. Days
	// roll over at UTC midnight.
	Now func() time.Time
}

func OptionsFromEnv() (Options, error) {
	limits, err := LoadLimitsFromEnv()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Limits:    limits,
		OrphanTTL: time.Duration(getenvInt("APFLOW_DEMO_ORPHAN_TTL_MINUTES", 30)) * time.Minute,
		Retention: time.Duration(getenvInt("APFLOW_DEMO_RETENTION_DAYS", 7)) * 24 * time.Hour,
	}, nil
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
