package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"recsys-proxy-cache/internal/cache"
	"recsys-proxy-cache/internal/fingerprint"
)

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/recsys-proxy-cache/config.yaml",
}

const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			RequestTimeout:    5 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
			Env:   "production",
		},
		Cache: CacheConfig{
			Shards:            64,
			MaxEntries:        1_000_000,
			ExpireAfterAccess: 5 * time.Minute,
		},
		Store: StoreConfig{
			Backend:   cache.BackendNone,
			TTL:       time.Hour,
			Prefix:    "recsys",
			RedisAddr: "127.0.0.1:6379",
			Timeout:   100 * time.Millisecond,
		},
		Backend: BackendConfig{
			Target:              "http://127.0.0.1:8501",
			Timeout:             500 * time.Millisecond,
			MaxRetries:          1,
			BaseBackoff:         20 * time.Millisecond,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
		Breaker: BreakerConfig{
			Enabled:      true,
			MaxRequests:  3,
			Interval:     time.Minute,
			Timeout:      10 * time.Second,
			MinRequests:  20,
			FailureRatio: 0.5,
		},
		Scoring: ScoringConfig{
			MaxBatchSize:       256,
			MaxParallelBatches: 8,
			StoreLookupTimeout: 25 * time.Millisecond,
			WriteBehindWorkers: 32,
			WriteTimeout:       time.Second,
			BatchTimeout:       time.Second,
		},
		Limits: LimitsConfig{
			MaxModelNameLen:   fingerprint.DefaultLimits.MaxModelNameLen,
			MaxItems:          fingerprint.DefaultLimits.MaxItems,
			MaxFields:         fingerprint.DefaultLimits.MaxFields,
			MaxValuesPerField: fingerprint.DefaultLimits.MaxValuesPerField,
		},
		HighCardinalityKeys: slices.Clone(fingerprint.DefaultHighCardinalityKeys),
	}
}

// Load reads .env (if present), then layers defaults, the config file and the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load without the .env step; an empty path skips the file layer.
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths accept comma-separated strings from the environment.
var sliceConfigPaths = []string{
	"store.memcache_addrs",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"port":              "server.port",
	"server_host":       "server.host",
	"request_timeout":   "server.request_timeout",
	"shutdown_timeout":  "server.shutdown_timeout",
	"max_body_bytes":    "server.max_body_bytes",
	"rate_limit_reqs":   "server.rate_limit_requests",
	"rate_limit_window": "server.rate_limit_window",

	"log_level": "logging.level",
	"env":       "logging.env",

	"cache_shards":              "cache.shards",
	"cache_max_entries":         "cache.max_entries",
	"cache_expire_after_access": "cache.expire_after_access",

	"cache_backend":  "store.backend",
	"cache_ttl":      "store.ttl",
	"cache_prefix":   "store.prefix",
	"redis_addr":     "store.redis_addr",
	"redis_password": "store.redis_password",
	"redis_db":       "store.redis_db",
	"memcache_addrs": "store.memcache_addrs",
	"store_timeout":  "store.timeout",

	"recsys_target":      "backend.target",
	"recsys_timeout":     "backend.timeout",
	"recsys_max_retries": "backend.max_retries",

	"breaker_enabled":       "breaker.enabled",
	"breaker_timeout":       "breaker.timeout",
	"breaker_min_requests":  "breaker.min_requests",
	"breaker_failure_ratio": "breaker.failure_ratio",

	"max_batch_size":       "scoring.max_batch_size",
	"max_parallel_batches": "scoring.max_parallel_batches",
	"store_lookup_timeout": "scoring.store_lookup_timeout",
	"write_behind_workers": "scoring.write_behind_workers",
	"batch_timeout":        "scoring.batch_timeout",

	"max_items": "limits.max_items",
}

// envTransformFunc maps known variables onto config paths; unknown ones are dropped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
