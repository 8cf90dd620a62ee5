// Package fingerprint turns scoring requests into stable, fixed-width cache keys.
//
// A key is the FarmHash Fingerprint64 of the model name and the canonical
// context bytes, paired with the item id. Fingerprints are unseeded, so the same
// request maps to the same key in every process. Distinct requests may share a
// key; callers treat colliding inputs as one and the same cached score.
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	farm "github.com/dgryski/go-farm"
)

// Key identifies one cached score.
type Key struct {
	Context uint64 // fingerprint of model name + canonical context
	Item    int64
}

// String renders the key as <context hex>:<item>.
func (k Key) String() string {
	return fmt.Sprintf("%016x:%d", k.Context, k.Item)
}

// Encoder computes cache keys. It is safe for concurrent use.
type Encoder struct {
	highCard map[string]bucketHasher
	limits   Limits
}

// NewEncoder builds an encoder with the given high-cardinality field rules.
func NewEncoder(keys []HighCardinalityKey, limits Limits) (*Encoder, error) {
	e := &Encoder{
		highCard: make(map[string]bucketHasher, len(keys)),
		limits:   limits,
	}
	for _, k := range keys {
		if k.Key == "" {
			return nil, fmt.Errorf("fingerprint: high cardinality key with empty name")
		}
		if _, dup := e.highCard[k.Key]; dup {
			return nil, fmt.Errorf("fingerprint: duplicate high cardinality key %q", k.Key)
		}
		h, err := newBucketHasher(k)
		if err != nil {
			return nil, err
		}
		e.highCard[k.Key] = h
	}
	return e, nil
}

// IsHighCardinality reports whether values of field are bucketed.
func (e *Encoder) IsHighCardinality(field string) bool {
	_, ok := e.highCard[field]
	return ok
}

// Bucket returns the bucket a high-cardinality value falls into.
func (e *Encoder) Bucket(field, value string) (uint64, bool) {
	h, ok := e.highCard[field]
	if !ok {
		return 0, false
	}
	return h.Bucket(value), true
}

// Keys validates the request and returns one key per item, in item order.
func (e *Encoder) Keys(modelName string, ctx Context, items []int64) ([]Key, error) {
	if err := e.limits.Validate(modelName, ctx, len(items)); err != nil {
		return nil, err
	}
	fp := e.ContextFingerprint(modelName, ctx)
	keys := make([]Key, len(items))
	for i, item := range items {
		keys[i] = Key{Context: fp, Item: item}
	}
	return keys, nil
}

// Key validates the request and returns the key for a single item.
func (e *Encoder) Key(modelName string, ctx Context, item int64) (Key, error) {
	keys, err := e.Keys(modelName, ctx, []int64{item})
	if err != nil {
		return Key{}, err
	}
	return keys[0], nil
}

// ContextFingerprint hashes the canonical bytes of (modelName, ctx).
// It does not validate its input.
func (e *Encoder) ContextFingerprint(modelName string, ctx Context) uint64 {
	return farm.Fingerprint64(e.Canonical(modelName, ctx))
}

// Canonical returns the byte sequence that is hashed into a key.
//
// Layout: model name, field count, then per field (sorted by name) the field
// name, value count and values sorted bytewise. Every string is prefixed with
// its uvarint length. High-cardinality values are replaced by their bucket.
func (e *Encoder) Canonical(modelName string, ctx Context) []byte {
	names := make([]string, 0, len(ctx))
	size := len(modelName) + 2*binary.MaxVarintLen64
	for name, values := range ctx {
		names = append(names, name)
		size += len(name) + 2*binary.MaxVarintLen64
		for _, v := range values {
			size += len(v) + binary.MaxVarintLen64
		}
	}
	sort.Strings(names)

	buf := make([]byte, 0, size)
	buf = appendString(buf, modelName)
	buf = binary.AppendUvarint(buf, uint64(len(names)))

	for _, name := range names {
		values := ctx[name]
		buf = appendString(buf, name)
		buf = binary.AppendUvarint(buf, uint64(len(values)))

		sorted := make([]string, len(values))
		if h, ok := e.highCard[name]; ok {
			for i, v := range values {
				sorted[i] = h.encode(v)
			}
		} else {
			copy(sorted, values)
		}
		slices.Sort(sorted)

		for _, v := range sorted {
			buf = appendString(buf, v)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
