// Package bootstrap wires the engine from environment configuration.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aipartnerup/apflow-demo/internal/democontent"
	"github.com/aipartnerup/apflow-demo/internal/quota"
	"github.com/aipartnerup/apflow-demo/internal/state"
)

// NewEngineFromEnv builds the store, counters backend, demo catalog and
// admission engine from APFLOW_DEMO_* variables.
func NewEngineFromEnv() (*quota.Engine, democontent.Provider, error) {
	store, err := newStore(getenv("APFLOW_DEMO_STORE", "memory"))
	if err != nil {
		return nil, nil, err
	}
	store, err = applyCounters(store, getenv("APFLOW_DEMO_COUNTERS", "store"))
	if err != nil {
		return nil, nil, err
	}
	demo, err := newDemoProvider(getenv("APFLOW_DEMO_DEMO_BACKEND", "dir"))
	if err != nil {
		return nil, nil, err
	}
	opts, err := quota.OptionsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	return quota.NewEngine(store, demo, opts), demo, nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("APFLOW_DEMO_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("APFLOW_DEMO_POSTGRES_DSN is required when APFLOW_DEMO_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported APFLOW_DEMO_STORE value %q", kind)
	}
}

func applyCounters(store state.Store, kind string) (state.Store, error) {
	switch kind {
	case "store":
		return store, nil
	case "redis":
		addr := getenv("APFLOW_DEMO_REDIS_ADDR", "127.0.0.1:6379")
		db := getenvInt("APFLOW_DEMO_REDIS_DB", 0)
		password := os.Getenv("APFLOW_DEMO_REDIS_PASSWORD")
		prefix := getenv("APFLOW_DEMO_REDIS_KEY_PREFIX", "apflow:admission")
		counters := state.NewRedisCounters(state.RedisCountersConfig{
			Addr:      addr,
			Password:  password,
			DB:        db,
			KeyPrefix: prefix,
			Timeout:   3 * time.Second,
		})
		return state.WithCounters(store, counters), nil
	default:
		return nil, fmt.Errorf("unsupported APFLOW_DEMO_COUNTERS value %q", kind)
	}
}

func newDemoProvider(kind string) (democontent.Provider, error) {
	switch kind {
	case "none":
		return democontent.NewStaticCache(nil), nil
	case "dir":
		dir := strings.TrimSpace(os.Getenv("APFLOW_DEMO_DEMO_DIR"))
		if dir == "" {
			// No directory configured means no demo catalog; degradation
			// is disabled and LLM-exhausted free users get rejected.
			return democontent.NewStaticCache(nil), nil
		}
		return democontent.NewDirCache(dir)
	case "minio":
		return democontent.NewMinIOProvider(democontent.MinIOConfig{
			Endpoint:  os.Getenv("APFLOW_DEMO_MINIO_ENDPOINT"),
			AccessKey: os.Getenv("APFLOW_DEMO_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("APFLOW_DEMO_MINIO_SECRET_KEY"),
			UseSSL:    getenv("APFLOW_DEMO_MINIO_USE_SSL", "false") == "true",
			Bucket:    os.Getenv("APFLOW_DEMO_MINIO_BUCKET"),
			Prefix:    os.Getenv("APFLOW_DEMO_MINIO_PREFIX"),
		})
	default:
		return nil, fmt.Errorf("unsupported APFLOW_DEMO_DEMO_BACKEND value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
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
