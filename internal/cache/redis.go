package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recsys-proxy-cache/internal/fingerprint"
)

// RedisScoreStore implements ScoreStore using Redis.
type RedisScoreStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Prefix string
	// TTL <= 0 stores without expiry.
	TTL time.Duration
}

// NewRedisScoreStore creates a Redis-backed store.
func NewRedisScoreStore(client *redis.Client, config RedisConfig) *RedisScoreStore {
	return &RedisScoreStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

// GetScores fetches all keys with a single MGET.
// On Redis error, it returns (nil, err) so caller can log and treat as miss.
func (s *RedisScoreStore) GetScores(ctx context.Context, keys []fingerprint.Key) (map[fingerprint.Key]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = StoreKey(s.prefix, k)
	}

	vals, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	found := make(map[fingerprint.Key]float64)
	for i, v := range vals {
		// nil is a clean miss
		str, ok := v.(string)
		if !ok {
			continue
		}
		score, err := decodeScore([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("redis key %s: %w", redisKeys[i], err)
		}
		found[keys[i]] = score
	}
	return found, nil
}

// SetScores writes all entries in one pipeline.
func (s *RedisScoreStore) SetScores(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			p.Set(ctx, StoreKey(s.prefix, e.Key), encodeScore(e.Score), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline set failed: %w", err)
	}
	return nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisScoreStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}
