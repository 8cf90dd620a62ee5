package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"recsys-proxy-cache/internal/fingerprint"
)

// MemcacheScoreStore implements ScoreStore on a memcached pool.
type MemcacheScoreStore struct {
	client *memcache.Client
	prefix string
	// seconds, 0 = never expire
	expiration int32
}

type MemcacheConfig struct {
	Prefix string
	TTL    time.Duration
}

func NewMemcacheScoreStore(client *memcache.Client, config MemcacheConfig) *MemcacheScoreStore {
	exp := int32(0)
	if config.TTL > 0 {
		exp = int32(config.TTL / time.Second)
		if exp == 0 {
			exp = 1
		}
	}
	return &MemcacheScoreStore{
		client:     client,
		prefix:     config.Prefix,
		expiration: exp,
	}
}

// GetScores issues one GetMulti; missing keys are absent from the result.
func (s *MemcacheScoreStore) GetScores(ctx context.Context, keys []fingerprint.Key) (map[fingerprint.Key]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	byStoreKey := make(map[string]fingerprint.Key, len(keys))
	mcKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		sk := StoreKey(s.prefix, k)
		byStoreKey[sk] = k
		mcKeys = append(mcKeys, sk)
	}

	items, err := s.client.GetMulti(mcKeys)
	if err != nil {
		return nil, fmt.Errorf("memcache get_multi failed: %w", err)
	}

	found := make(map[fingerprint.Key]float64, len(items))
	for sk, item := range items {
		score, err := decodeScore(item.Value)
		if err != nil {
			return nil, fmt.Errorf("memcache key %s: %w", sk, err)
		}
		found[byStoreKey[sk]] = score
	}
	return found, nil
}

// SetScores stores entries one by one; the first error aborts the batch.
func (s *MemcacheScoreStore) SetScores(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context error: %w", err)
		}
		err := s.client.Set(&memcache.Item{
			Key:        StoreKey(s.prefix, e.Key),
			Value:      encodeScore(e.Score),
			Expiration: s.expiration,
		})
		if err != nil && !errors.Is(err, memcache.ErrNotStored) {
			return fmt.Errorf("memcache set failed: %w", err)
		}
	}
	return nil
}

func (s *MemcacheScoreStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping()
}
