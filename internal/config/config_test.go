package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recsys-proxy-cache/internal/fingerprint"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("expected port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Cache.ExpireAfterAccess != 5*time.Minute {
		t.Fatalf("expected 5m idle expiry, got %v", cfg.Cache.ExpireAfterAccess)
	}
	if cfg.Backend.Timeout != 500*time.Millisecond {
		t.Fatalf("expected 500ms backend timeout, got %v", cfg.Backend.Timeout)
	}
	if cfg.Store.Backend != "none" {
		t.Fatalf("expected no shared store by default, got %q", cfg.Store.Backend)
	}
	if got := cfg.Limits.Fingerprint(); got != fingerprint.DefaultLimits {
		t.Fatalf("expected default limits, got %+v", got)
	}
	if len(cfg.HighCardinalityKeys) != 1 {
		t.Fatalf("expected the default session key, got %v", cfg.HighCardinalityKeys)
	}
	hc := cfg.HighCardinalityKeys[0]
	if hc.Key != "session" || hc.HashFunction != fingerprint.HashFarmFingerprint64 || hc.Buckets != 1000 {
		t.Fatalf("unexpected default high-cardinality key %+v", hc)
	}
	if got := cfg.Scoring.Coordinator().BatchTimeout; got != time.Second {
		t.Fatalf("expected 1s batch timeout, got %v", got)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9000"
store:
  backend: memcache
  memcache_addrs: ["mc-1:11211"]
backend:
  target: http://tfserving:8501
  timeout: 250ms
high_cardinality_keys:
  - key: user_id
    hash_function: xxhash64
    buckets: 1024
`)

	t.Setenv("PORT", "9100")
	t.Setenv("MEMCACHE_ADDRS", "mc-1:11211, mc-2:11211")
	t.Setenv("MAX_BATCH_SIZE", "64")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Fatalf("env must override file, got port %q", cfg.Server.Port)
	}
	if cfg.Backend.Target != "http://tfserving:8501" || cfg.Backend.Timeout != 250*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg.Backend)
	}
	if len(cfg.Store.MemcacheAddrs) != 2 || cfg.Store.MemcacheAddrs[1] != "mc-2:11211" {
		t.Fatalf("unexpected memcache addrs %v", cfg.Store.MemcacheAddrs)
	}
	if cfg.Scoring.MaxBatchSize != 64 {
		t.Fatalf("expected batch size 64, got %d", cfg.Scoring.MaxBatchSize)
	}
	if len(cfg.HighCardinalityKeys) != 1 {
		t.Fatalf("expected one high-cardinality key, got %v", cfg.HighCardinalityKeys)
	}
	// a configured list replaces the default session key
	hc := cfg.HighCardinalityKeys[0]
	if hc.Key != "user_id" || hc.HashFunction != fingerprint.HashXXHash64 || hc.Buckets != 1024 {
		t.Fatalf("unexpected high-cardinality key %+v", hc)
	}
	// untouched defaults survive
	if cfg.Scoring.MaxParallelBatches != 8 {
		t.Fatalf("expected default parallelism, got %d", cfg.Scoring.MaxParallelBatches)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"bad log level":      func(c *Config) { c.Logging.Level = "verbose" },
		"unknown backend":    func(c *Config) { c.Store.Backend = "dynamo" },
		"redis without addr": func(c *Config) { c.Store.Backend = "redis"; c.Store.RedisAddr = "" },
		"memcache no addrs":  func(c *Config) { c.Store.Backend = "memcache" },
		"bad target":         func(c *Config) { c.Backend.Target = "not a url" },
		"port":               func(c *Config) { c.Server.Port = "http" },
		"failure ratio":      func(c *Config) { c.Breaker.FailureRatio = 1.5 },
		"rate window":        func(c *Config) { c.Server.RateLimitRequests = 10; c.Server.RateLimitWindow = 0 },
		"hash function": func(c *Config) {
			c.HighCardinalityKeys = []fingerprint.HighCardinalityKey{{Key: "user_id", HashFunction: "md5", Buckets: 8}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected file error, got %v", err)
	}
}

func TestEnvTransformIgnoresUnknown(t *testing.T) {
	if got := envTransformFunc("HOME"); got != "" {
		t.Fatalf("expected unknown env var to be dropped, got %q", got)
	}
	if got := envTransformFunc("RECSYS_TARGET"); got != "backend.target" {
		t.Fatalf("unexpected mapping %q", got)
	}
}
