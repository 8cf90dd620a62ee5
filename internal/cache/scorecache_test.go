package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"recsys-proxy-cache/internal/fingerprint"
)

func key(item int64) fingerprint.Key {
	return fingerprint.Key{Context: 0xfeed, Item: item}
}

func newTestCache(t *testing.T, opts Options) *ScoreCache {
	t.Helper()
	c := NewScoreCache(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestScoreCache_ReserveFulfillHit(t *testing.T) {
	c := newTestCache(t, Options{})

	out := c.Acquire(key(1))
	if out.Reservation == nil {
		t.Fatalf("expected reservation for unseen key, got %+v", out)
	}

	// second caller joins instead of reserving
	again := c.Acquire(key(1))
	if again.Pending == nil {
		t.Fatalf("expected pending handle, got %+v", again)
	}

	c.Fulfill(out.Reservation, 0.25)

	got, err := again.Pending.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}

	hit := c.Acquire(key(1))
	if !hit.Hit || hit.Score != 0.25 {
		t.Fatalf("expected hit 0.25, got %+v", hit)
	}
	if s, ok := c.Get(key(1)); !ok || s != 0.25 {
		t.Fatalf("Get: expected 0.25, got %v %v", s, ok)
	}
}

func TestScoreCache_FailReturnsKeyToUnseen(t *testing.T) {
	c := newTestCache(t, Options{})
	boom := errors.New("backend down")

	r := c.Acquire(key(7)).Reservation
	p := c.Acquire(key(7)).Pending
	c.Fail(r, boom)

	if _, err := p.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected waiter to see %v, got %v", boom, err)
	}
	if _, ok := c.Get(key(7)); ok {
		t.Fatalf("failed key must not be cached")
	}
	if next := c.Acquire(key(7)); next.Reservation == nil {
		t.Fatalf("expected key to be reservable again, got %+v", next)
	}
}

func TestScoreCache_FailNilError(t *testing.T) {
	c := newTestCache(t, Options{})
	r := c.Acquire(key(1)).Reservation
	p := c.Acquire(key(1)).Pending
	c.Fail(r, nil)
	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
}

func TestScoreCache_LookupOrReserve(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	_, r, err := c.LookupOrReserve(ctx, key(3))
	if err != nil || r == nil {
		t.Fatalf("expected reservation, got %v %v", r, err)
	}

	result := make(chan float64, 1)
	go func() {
		s, r2, err := c.LookupOrReserve(ctx, key(3))
		if err != nil || r2 != nil {
			t.Errorf("waiter: unexpected %v %v", r2, err)
		}
		result <- s
	}()

	time.Sleep(10 * time.Millisecond)
	c.Fulfill(r, 1.5)

	select {
	case s := <-result:
		if s != 1.5 {
			t.Fatalf("expected 1.5, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never woke up")
	}
}

func TestScoreCache_WaitHonoursContext(t *testing.T) {
	c := newTestCache(t, Options{})
	r := c.Acquire(key(1)).Reservation
	defer c.Fulfill(r, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := c.LookupOrReserve(ctx, key(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		if _, ok := rec.(*ConsistencyViolation); !ok {
			t.Fatalf("expected *ConsistencyViolation panic, got %v", rec)
		}
	}()
	fn()
}

func TestScoreCache_DoubleReleasePanics(t *testing.T) {
	c := newTestCache(t, Options{})

	r := c.Acquire(key(1)).Reservation
	c.Fulfill(r, 1)
	expectViolation(t, func() { c.Fulfill(r, 2) })
	expectViolation(t, func() { c.Fail(r, errors.New("late")) })

	if s, _ := c.Get(key(1)); s != 1 {
		t.Fatalf("Ready score must be immutable, got %v", s)
	}

	r2 := c.Acquire(key(2)).Reservation
	c.Fail(r2, nil)
	expectViolation(t, func() { c.Fulfill(r2, 1) })
}

func TestScoreCache_StaleReservationPanics(t *testing.T) {
	c := newTestCache(t, Options{})

	r := c.Acquire(key(1)).Reservation
	stale := &Reservation{key: r.key, e: &entry{done: make(chan struct{})}}
	expectViolation(t, func() { c.Fulfill(stale, 1) })
	c.Fulfill(r, 1)
}

func TestScoreCache_SingleReservationUnderContention(t *testing.T) {
	c := newTestCache(t, Options{Shards: 4})

	const workers = 64
	var reservations atomic.Int32
	var wg sync.WaitGroup
	scores := make([]float64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, r, err := c.LookupOrReserve(context.Background(), key(42))
			if err != nil {
				t.Errorf("LookupOrReserve: %v", err)
				return
			}
			if r != nil {
				reservations.Add(1)
				time.Sleep(5 * time.Millisecond)
				c.Fulfill(r, 0.75)
				s = 0.75
			}
			scores[i] = s
		}(i)
	}
	wg.Wait()

	if n := reservations.Load(); n != 1 {
		t.Fatalf("expected exactly 1 reservation, got %d", n)
	}
	for i, s := range scores {
		if s != 0.75 {
			t.Fatalf("worker %d saw %v", i, s)
		}
	}
}

func TestScoreCache_UnrelatedKeysDoNotBlock(t *testing.T) {
	c := newTestCache(t, Options{Shards: 1})

	r := c.Acquire(key(1)).Reservation
	defer c.Fulfill(r, 1)

	done := make(chan struct{})
	go func() {
		r2 := c.Acquire(key(2)).Reservation
		c.Fulfill(r2, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pending key 1 blocked key 2")
	}
}

func TestScoreCache_ExpireIdle(t *testing.T) {
	c := newTestCache(t, Options{ExpireAfterAccess: time.Minute, CleanupInterval: time.Hour})

	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }

	r := c.Acquire(key(1)).Reservation
	c.Fulfill(r, 1)
	pending := c.Acquire(key(2)).Reservation

	// touched at +50s, so still fresh at +90s
	c.now = func() time.Time { return base.Add(50 * time.Second) }
	c.Get(key(1))

	if n := c.expireIdle(base.Add(90 * time.Second)); n != 0 {
		t.Fatalf("expected nothing expired, got %d", n)
	}
	if n := c.expireIdle(base.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if _, ok := c.Get(key(1)); ok {
		t.Fatalf("idle entry should be gone")
	}
	if c.Len() != 1 {
		t.Fatalf("pending entry must survive expiry, len=%d", c.Len())
	}
	c.Fulfill(pending, 2)
}

func TestScoreCache_MaxEntriesEvictsReadyOnly(t *testing.T) {
	c := newTestCache(t, Options{Shards: 1, MaxEntries: 2})

	r1 := c.Acquire(key(1)).Reservation
	r2 := c.Acquire(key(2)).Reservation
	// both pending: nothing is evictable, the cap is exceeded temporarily
	r3 := c.Acquire(key(3)).Reservation
	if c.Len() != 3 {
		t.Fatalf("pending entries must not be evicted, len=%d", c.Len())
	}
	c.Fulfill(r1, 1)
	c.Fulfill(r2, 2)
	c.Fulfill(r3, 3)

	r4 := c.Acquire(key(4)).Reservation
	if c.Len() != 2 {
		t.Fatalf("expected cap to be enforced, len=%d", c.Len())
	}
	c.Fulfill(r4, 4)
	if s, ok := c.Get(key(4)); !ok || s != 4 {
		t.Fatalf("newest entry should be present")
	}
}

func TestScoreCache_ShardCountRoundsUp(t *testing.T) {
	c := newTestCache(t, Options{Shards: 5})
	if len(c.shards) != 8 {
		t.Fatalf("expected 8 shards, got %d", len(c.shards))
	}
}

func TestScoreCache_CloseIsIdempotent(t *testing.T) {
	c := NewScoreCache(Options{ExpireAfterAccess: time.Millisecond, CleanupInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
