package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// decideLimiter is a sliding one-minute window over admission requests,
// per client IP plus a global cap. It protects the decide endpoint from
// request floods; the actual quota policy lives in the engine.
type decideLimiter struct {
	mu        sync.Mutex
	perIPMax  int
	globalMax int
	window    time.Duration
	perIP     map[string][]int64
	global    []int64
}

func newDecideLimiterFromEnv() *decideLimiter {
	perIP := getenvIntRL("APFLOW_DEMO_RATE_LIMIT_PER_MIN", 60)
	global := getenvIntRL("APFLOW_DEMO_GLOBAL_RATE_LIMIT_PER_MIN", 1000)
	if perIP < 0 {
		perIP = 0
	}
	if global < 0 {
		global = 0
	}
	return &decideLimiter{
		perIPMax:  perIP,
		globalMax: global,
		window:    time.Minute,
		perIP:     map[string][]int64{},
		global:    make([]int64, 0, 1024),
	}
}

func (l *decideLimiter) allow(ip string, now time.Time) bool {
	if l == nil || (l.perIPMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	if ip == "" {
		ip = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.perIP[ip], cutoff)
	if l.perIPMax > 0 && len(history) >= l.perIPMax {
		l.perIP[ip] = history
		return false
	}

	history = append(history, ts)
	l.perIP[ip] = history
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

func getenvIntRL(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
