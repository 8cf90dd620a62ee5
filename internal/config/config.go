// Package config loads proxy settings from defaults, an optional YAML file and
// the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"recsys-proxy-cache/internal/backend"
	"recsys-proxy-cache/internal/cache"
	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/scoring"
	"recsys-proxy-cache/internal/validation"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
	Cache   CacheConfig   `koanf:"cache"`
	Store   StoreConfig   `koanf:"store"`
	Backend BackendConfig `koanf:"backend"`
	Breaker BreakerConfig `koanf:"breaker"`
	Scoring ScoringConfig `koanf:"scoring"`
	Limits  LimitsConfig  `koanf:"limits"`

	// Context fields whose values are bucketed before hashing (user ids, session ids).
	HighCardinalityKeys []fingerprint.HighCardinalityKey `koanf:"high_cardinality_keys" validate:"dive"`
}

type ServerConfig struct {
	Port              string        `koanf:"port" validate:"required,numeric"`
	Host              string        `koanf:"host"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gte=0"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"gt=0"`

	// RateLimitRequests per RateLimitWindow per client IP; 0 disables limiting.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

type LoggingConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Env   string `koanf:"env"`
}

// CacheConfig tunes the in-process score cache.
type CacheConfig struct {
	Shards            int           `koanf:"shards" validate:"gte=0"`
	MaxEntries        int           `koanf:"max_entries" validate:"gte=0"`
	ExpireAfterAccess time.Duration `koanf:"expire_after_access" validate:"gte=0"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval" validate:"gte=0"`
}

// StoreConfig selects the optional shared tier behind the in-process cache.
type StoreConfig struct {
	Backend string        `koanf:"backend" validate:"omitempty,oneof=none redis memcache"`
	TTL     time.Duration `koanf:"ttl" validate:"gte=0"`
	Prefix  string        `koanf:"prefix" validate:"required"`

	RedisAddr     string   `koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string   `koanf:"redis_password"`
	RedisDB       int      `koanf:"redis_db" validate:"gte=0"`
	MemcacheAddrs []string `koanf:"memcache_addrs" validate:"required_if=Backend memcache"`

	// Timeout bounds each round trip to the shared tier.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
}

type BackendConfig struct {
	Target              string        `koanf:"target" validate:"required,url"`
	Timeout             time.Duration `koanf:"timeout" validate:"gte=0"`
	MaxRetries          int           `koanf:"max_retries"`
	BaseBackoff         time.Duration `koanf:"base_backoff" validate:"gte=0"`
	MaxIdleConns        int           `koanf:"max_idle_conns" validate:"gte=0"`
	MaxIdleConnsPerHost int           `koanf:"max_idle_conns_per_host" validate:"gte=0"`
}

type BreakerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	MaxRequests  uint32        `koanf:"max_requests"`
	Interval     time.Duration `koanf:"interval"`
	Timeout      time.Duration `koanf:"timeout"`
	MinRequests  uint32        `koanf:"min_requests"`
	FailureRatio float64       `koanf:"failure_ratio" validate:"gte=0,lte=1"`
}

type ScoringConfig struct {
	MaxBatchSize       int           `koanf:"max_batch_size" validate:"gte=0"`
	MaxParallelBatches int           `koanf:"max_parallel_batches" validate:"gte=0"`
	StoreLookupTimeout time.Duration `koanf:"store_lookup_timeout" validate:"gte=0"`
	WriteBehindWorkers int           `koanf:"write_behind_workers" validate:"gte=0"`
	WriteTimeout       time.Duration `koanf:"write_timeout" validate:"gte=0"`
	BatchTimeout       time.Duration `koanf:"batch_timeout" validate:"gte=0"`
}

type LimitsConfig struct {
	MaxModelNameLen   int `koanf:"max_model_name_len" validate:"gte=0"`
	MaxItems          int `koanf:"max_items" validate:"gte=0"`
	MaxFields         int `koanf:"max_fields" validate:"gte=0"`
	MaxValuesPerField int `koanf:"max_values_per_field" validate:"gte=0"`
}

// Validate checks field constraints and the few rules that span fields.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		return errors.New("server.rate_limit_window must be positive when rate limiting is enabled")
	}
	// the encoder is the authority on high-cardinality settings
	if _, err := fingerprint.NewEncoder(c.HighCardinalityKeys, c.Limits.Fingerprint()); err != nil {
		return fmt.Errorf("high_cardinality_keys: %w", err)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func (l LimitsConfig) Fingerprint() fingerprint.Limits {
	return fingerprint.Limits{
		MaxModelNameLen:   l.MaxModelNameLen,
		MaxItems:          l.MaxItems,
		MaxFields:         l.MaxFields,
		MaxValuesPerField: l.MaxValuesPerField,
	}
}

func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		Shards:            c.Shards,
		MaxEntries:        c.MaxEntries,
		ExpireAfterAccess: c.ExpireAfterAccess,
		CleanupInterval:   c.CleanupInterval,
	}
}

func (s StoreConfig) Factory() cache.StoreConfig {
	return cache.StoreConfig{Backend: s.Backend, TTL: s.TTL, Prefix: s.Prefix}
}

func (b BackendConfig) Client() backend.Config {
	return backend.Config{
		BaseURL:             b.Target,
		Timeout:             b.Timeout,
		MaxRetries:          b.MaxRetries,
		BaseBackoff:         b.BaseBackoff,
		MaxIdleConns:        b.MaxIdleConns,
		MaxIdleConnsPerHost: b.MaxIdleConnsPerHost,
	}
}

func (b BreakerConfig) Scorer() backend.BreakerConfig {
	return backend.BreakerConfig{
		MaxRequests:  b.MaxRequests,
		Interval:     b.Interval,
		Timeout:      b.Timeout,
		MinRequests:  b.MinRequests,
		FailureRatio: b.FailureRatio,
	}
}

func (s ScoringConfig) Coordinator() scoring.Config {
	return scoring.Config{
		MaxBatchSize:       s.MaxBatchSize,
		MaxParallelBatches: s.MaxParallelBatches,
		StoreLookupTimeout: s.StoreLookupTimeout,
		WriteBehindWorkers: s.WriteBehindWorkers,
		WriteTimeout:       s.WriteTimeout,
		BatchTimeout:       s.BatchTimeout,
	}
}
