package cache

import (
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
)

const (
	BackendNone     = "none"
	BackendRedis    = "redis"
	BackendMemcache = "memcache"
)

type StoreConfig struct {
	Backend string
	TTL     time.Duration
	Prefix  string
}

// NewScoreStore picks the shared tier for cfg.Backend. The client for the
// selected backend must be non-nil; the other one is ignored.
func NewScoreStore(cfg StoreConfig, redisClient *redis.Client, mcClient *memcache.Client) (ScoreStore, error) {
	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("cache: backend %q needs a redis client", cfg.Backend)
		}
		return NewLoggingScoreStore(NewRedisScoreStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
		}), BackendRedis), nil
	case BackendMemcache:
		if mcClient == nil {
			return nil, fmt.Errorf("cache: backend %q needs a memcache client", cfg.Backend)
		}
		return NewLoggingScoreStore(NewMemcacheScoreStore(mcClient, MemcacheConfig{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
		}), BackendMemcache), nil
	case "", BackendNone:
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown store backend %q", cfg.Backend)
	}
}
