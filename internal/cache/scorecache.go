package cache

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/zap"

	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/metrics"
)

// ErrAbandoned is delivered to waiters when a reservation is failed with a nil error.
var ErrAbandoned = errors.New("cache: computation abandoned")

// ConsistencyViolation is raised (as a panic value) when a reservation is used
// after it was released or no longer owns its entry. It signals a programming
// error, never a request-level failure.
type ConsistencyViolation struct {
	Key    fingerprint.Key
	Reason string
}

func (v *ConsistencyViolation) Error() string {
	return fmt.Sprintf("cache consistency violation for %s: %s", v.Key, v.Reason)
}

// Options tunes a ScoreCache. Zero values pick defaults.
type Options struct {
	// Shards is rounded up to a power of two.
	Shards int
	// MaxEntries caps the cache; 0 means unbounded. Only Ready entries are evicted.
	MaxEntries int
	// ExpireAfterAccess drops Ready entries idle for longer; 0 disables expiry.
	ExpireAfterAccess time.Duration
	// CleanupInterval is how often the janitor runs. Defaults to ExpireAfterAccess/2.
	CleanupInterval time.Duration
	Logger          *zap.Logger
}

const defaultShards = 64

type entry struct {
	done  chan struct{}
	ready bool
	score float64
	err   error // set before done is closed on failure
	// unix nanos, guarded by the shard lock
	lastAccess int64
}

type shard struct {
	mu      sync.Mutex
	entries map[fingerprint.Key]*entry
}

// ScoreCache is the in-process key -> score store. It guarantees that at most
// one computation per key is in flight: the first caller for an unseen key gets
// a Reservation, everybody else a Pending handle until the owner fulfils or fails.
type ScoreCache struct {
	shards      []shard
	mask        uint64
	maxPerShard int
	expireAfter time.Duration
	logger      *zap.Logger

	now         func() time.Time
	stopCleanup chan struct{}
	cleanupOnce sync.Once
	janitorDone chan struct{}
}

// NewScoreCache creates a cache and starts its janitor when expiry is enabled.
func NewScoreCache(opts Options) *ScoreCache {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	n = 1 << bits.Len(uint(n-1))

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &ScoreCache{
		shards:      make([]shard, n),
		mask:        uint64(n - 1),
		expireAfter: opts.ExpireAfterAccess,
		logger:      logger.Named("scorecache"),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if opts.MaxEntries > 0 {
		c.maxPerShard = (opts.MaxEntries + n - 1) / n
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[fingerprint.Key]*entry)
	}

	if c.expireAfter <= 0 {
		close(c.janitorDone)
		return c
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = c.expireAfter / 2
	}
	go c.cleanupExpired(interval)
	return c
}

func (c *ScoreCache) shardFor(k fingerprint.Key) *shard {
	h := k.Context ^ (uint64(k.Item) * 0x9e3779b97f4a7c15)
	h ^= h >> 29
	return &c.shards[h&c.mask]
}

// Outcome is the result of Acquire. Exactly one of Hit, Reservation or Pending is set.
type Outcome struct {
	Hit         bool
	Score       float64
	Reservation *Reservation
	Pending     *Pending
}

// Reservation obliges its holder to call Fulfill or Fail exactly once.
type Reservation struct {
	key      fingerprint.Key
	e        *entry
	released bool // guarded by the shard lock
}

func (r *Reservation) Key() fingerprint.Key { return r.key }

// Pending is a handle on a computation owned by another caller.
type Pending struct {
	key fingerprint.Key
	e   *entry
}

func (p *Pending) Key() fingerprint.Key { return p.key }

// Done is closed once the owning computation has finished either way.
func (p *Pending) Done() <-chan struct{} { return p.e.done }

// Wait blocks until the owner publishes a result or ctx is done.
// A failed computation yields the owner's error; it is not retried.
func (p *Pending) Wait(ctx context.Context) (float64, error) {
	select {
	case <-p.e.done:
		if p.e.err != nil {
			return 0, p.e.err
		}
		return p.e.score, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Acquire checks key without blocking. An unseen key is reserved for the caller.
func (c *ScoreCache) Acquire(key fingerprint.Key) Outcome {
	s := c.shardFor(key)
	now := c.now().UnixNano()

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		if e.ready {
			e.lastAccess = now
			score := e.score
			s.mu.Unlock()
			return Outcome{Hit: true, Score: score}
		}
		s.mu.Unlock()
		return Outcome{Pending: &Pending{key: key, e: e}}
	}

	evicted := 0
	if c.maxPerShard > 0 && len(s.entries) >= c.maxPerShard {
		evicted = s.evictLocked(len(s.entries) - c.maxPerShard + 1)
	}
	e := &entry{done: make(chan struct{}), lastAccess: now}
	s.entries[key] = e
	s.mu.Unlock()

	if evicted > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("capacity").Add(float64(evicted))
	}
	return Outcome{Reservation: &Reservation{key: key, e: e}}
}

// evictLocked removes up to n Ready entries. Map iteration order picks the victims.
func (s *shard) evictLocked(n int) int {
	removed := 0
	for k, e := range s.entries {
		if removed >= n {
			break
		}
		if !e.ready {
			continue
		}
		delete(s.entries, k)
		removed++
	}
	return removed
}

// LookupOrReserve returns the cached score, a reservation for an unseen key, or
// waits for a computation owned by someone else.
func (c *ScoreCache) LookupOrReserve(ctx context.Context, key fingerprint.Key) (float64, *Reservation, error) {
	out := c.Acquire(key)
	switch {
	case out.Hit:
		return out.Score, nil, nil
	case out.Reservation != nil:
		return 0, out.Reservation, nil
	default:
		score, err := out.Pending.Wait(ctx)
		return score, nil, err
	}
}

// Get returns a Ready score without reserving or waiting.
func (c *ScoreCache) Get(key fingerprint.Key) (float64, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.ready {
		return 0, false
	}
	e.lastAccess = c.now().UnixNano()
	return e.score, true
}

// Fulfill publishes score for the reserved key and releases r.
func (c *ScoreCache) Fulfill(r *Reservation, score float64) {
	s := c.shardFor(r.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c.checkLocked(s, r)
	r.released = true
	r.e.score = score
	r.e.ready = true
	r.e.lastAccess = c.now().UnixNano()
	close(r.e.done)
}

// Fail returns the reserved key to the unseen state and hands err to every
// caller waiting on this attempt.
func (c *ScoreCache) Fail(r *Reservation, err error) {
	if err == nil {
		err = ErrAbandoned
	}
	s := c.shardFor(r.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c.checkLocked(s, r)
	r.released = true
	delete(s.entries, r.key)
	r.e.err = err
	close(r.e.done)
}

func (c *ScoreCache) checkLocked(s *shard, r *Reservation) {
	if r.released {
		panic(&ConsistencyViolation{Key: r.key, Reason: "reservation already released"})
	}
	if cur, ok := s.entries[r.key]; !ok || cur != r.e {
		panic(&ConsistencyViolation{Key: r.key, Reason: "reservation does not own the entry"})
	}
}

// Len returns the number of entries, Pending ones included.
func (c *ScoreCache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// cleanupExpired runs periodically to remove idle entries.
func (c *ScoreCache) cleanupExpired(interval time.Duration) {
	defer close(c.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := c.expireIdle(c.now())
			if removed > 0 {
				c.logger.Debug("expired idle entries", zap.Int("removed", removed))
			}
			metrics.CacheEntries.Set(float64(c.Len()))
		case <-c.stopCleanup:
			return
		}
	}
}

// expireIdle drops Ready entries not touched since now-expireAfter.
func (c *ScoreCache) expireIdle(now time.Time) int {
	cutoff := now.Add(-c.expireAfter).UnixNano()
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.ready && e.lastAccess < cutoff {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("idle").Add(float64(removed))
	}
	return removed
}

// Close stops the janitor. Call this on shutdown or in tests.
func (c *ScoreCache) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})
	<-c.janitorDone
	return nil
}
