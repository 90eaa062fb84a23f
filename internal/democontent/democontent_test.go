package democontent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDirCacheLoadsJSONFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"task-1.json": `{"summary": "precomputed"}`,
		"task-2.json": `{"summary": "also precomputed"}`,
		"notes.txt":   "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cache, err := NewDirCache(dir)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()
	if !cache.Available(ctx) {
		t.Fatalf("cache with content reported unavailable")
	}

	payload, ok, err := cache.Result(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("result: ok=%v err=%v", ok, err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if decoded["summary"] != "precomputed" {
		t.Fatalf("unexpected payload: %v", decoded)
	}

	if _, ok, _ := cache.Result(ctx, "missing"); ok {
		t.Fatalf("missing task id resolved")
	}

	ids, err := cache.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "task-1" || ids[1] != "task-2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestDirCacheRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewDirCache(dir); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestEmptyCacheUnavailable(t *testing.T) {
	cache := NewStaticCache(nil)
	if cache.Available(context.Background()) {
		t.Fatalf("empty cache reported available")
	}
}
