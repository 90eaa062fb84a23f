// Package democontent serves the precomputed result payloads behind
// demo-mode admissions. Payloads are JSON documents keyed by task id.
package democontent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Provider is the catalog of demo payloads. Available gates demo-mode
// degradation: when no content can be served, the engine rejects
// instead of admitting a demo run it cannot back.
type Provider interface {
	Available(ctx context.Context) bool
	Result(ctx context.Context, taskID string) (json.RawMessage, bool, error)
	List(ctx context.Context) ([]string, error)
}

// DirCache loads every *.json file under a directory once, at
// construction, and serves lookups from memory. The file name without
// extension is the task id.
type DirCache struct {
	mu      sync.RWMutex
	results map[string]json.RawMessage
}

func NewDirCache(dir string) (*DirCache, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read demo dir: %w", err)
	}
	cache := &DirCache{results: make(map[string]json.RawMessage, len(entries))}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read demo file %s: %w", e.Name(), err)
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("demo file %s is not valid JSON", e.Name())
		}
		taskID := strings.TrimSuffix(e.Name(), ".json")
		cache.results[taskID] = json.RawMessage(b)
	}
	return cache, nil
}

// NewStaticCache builds a cache from an in-memory map, used in tests
// and as the embedded fallback when no demo directory is configured.
func NewStaticCache(results map[string]json.RawMessage) *DirCache {
	copied := make(map[string]json.RawMessage, len(results))
	for k, v := range results {
		copied[k] = v
	}
	return &DirCache{results: copied}
}

func (c *DirCache) Available(context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results) > 0
}

func (c *DirCache) Result(_ context.Context, taskID string) (json.RawMessage, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	payload, ok := c.results[taskID]
	return payload, ok, nil
}

func (c *DirCache) List(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.results))
	for k := range c.results {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
