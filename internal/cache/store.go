package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"recsys-proxy-cache/internal/fingerprint"
)

// Entry is a score to be written to the shared store.
type Entry struct {
	Key   fingerprint.Key
	Score float64
}

// ScoreStore is the shared, cross-process tier behind the in-process ScoreCache.
// Implemented by Redis and memcached; lookups are best effort and callers treat
// errors as misses.
type ScoreStore interface {
	// GetScores returns the scores found; absent keys are simply missing from the map.
	GetScores(ctx context.Context, keys []fingerprint.Key) (map[fingerprint.Key]float64, error)
	SetScores(ctx context.Context, entries []Entry) error
	Ping(ctx context.Context) error
}

// keyVersion is bumped when the canonical context layout changes.
const keyVersion = "v1"

// StoreKey converts the structured key into the string used in Redis/memcached.
//
// <PREFIX>:v1:<CONTEXT_HEX>:<ITEM>
func StoreKey(prefix string, k fingerprint.Key) string {
	if prefix == "" {
		return fmt.Sprintf("%s:%016x:%d", keyVersion, k.Context, k.Item)
	}
	return fmt.Sprintf("%s:%s:%016x:%d", prefix, keyVersion, k.Context, k.Item)
}

// scores are stored as 8-byte big-endian IEEE 754 bits so they round-trip exactly.
func encodeScore(s float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(s))
	return b[:]
}

func decodeScore(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("malformed score value (%d bytes)", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// NopStore is used when no shared tier is configured.
type NopStore struct{}

func (NopStore) GetScores(context.Context, []fingerprint.Key) (map[fingerprint.Key]float64, error) {
	return nil, nil
}

func (NopStore) SetScores(context.Context, []Entry) error { return nil }

func (NopStore) Ping(context.Context) error { return nil }
