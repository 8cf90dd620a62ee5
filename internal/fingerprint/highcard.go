package fingerprint

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	farm "github.com/dgryski/go-farm"
)

const (
	HashFarmFingerprint64 = "farmfingerprint64"
	HashXXHash64          = "xxhash64"
)

// HighCardinalityKey folds the values of a context field into a bounded
// number of buckets. Fields such as "session" are unique per visit and would
// otherwise turn every request into a cache miss.
type HighCardinalityKey struct {
	Key          string `koanf:"key" yaml:"key"`
	HashFunction string `koanf:"hash_function" yaml:"hash_function"`
	// Buckets == 0 keeps the raw 64-bit hash.
	Buckets uint64 `koanf:"buckets" yaml:"buckets"`
}

// DefaultHighCardinalityKeys folds per-visit session ids into 1000 buckets.
var DefaultHighCardinalityKeys = []HighCardinalityKey{
	{Key: "session", HashFunction: HashFarmFingerprint64, Buckets: 1000},
}

type bucketHasher struct {
	hash    func([]byte) uint64
	buckets uint64
}

func newBucketHasher(k HighCardinalityKey) (bucketHasher, error) {
	var fn func([]byte) uint64
	switch strings.ToLower(k.HashFunction) {
	case "", HashFarmFingerprint64:
		fn = farm.Fingerprint64
	case HashXXHash64:
		fn = xxhash.Sum64
	default:
		return bucketHasher{}, fmt.Errorf("fingerprint: unknown hash_function %q for key %q", k.HashFunction, k.Key)
	}
	return bucketHasher{hash: fn, buckets: k.Buckets}, nil
}

// Bucket returns the bucket index for value.
func (h bucketHasher) Bucket(value string) uint64 {
	sum := h.hash([]byte(value))
	if h.buckets > 0 {
		return sum % h.buckets
	}
	return sum
}

// encode truncates the bucket to 32 bits, big-endian.
func (h bucketHasher) encode(value string) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(h.Bucket(value)))
	return string(b[:])
}
