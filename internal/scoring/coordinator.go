// Package scoring resolves one scoring request end to end: keys are encoded,
// served from the score cache where possible, computed once for the misses,
// and assembled back into request order.
package scoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recsys-proxy-cache/internal/backend"
	"recsys-proxy-cache/internal/cache"
	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/metrics"
	"recsys-proxy-cache/pkg/logging/logging"
)

// ErrClosed is returned once the coordinator has been shut down.
var ErrClosed = errors.New("scoring: coordinator closed")

// Computer computes scores for cache misses, in input order.
type Computer interface {
	Compute(ctx context.Context, inputs []backend.Input) ([]float64, error)
}

type Config struct {
	MaxBatchSize       int           // items per backend call (default: 256)
	MaxParallelBatches int           // concurrent backend calls per request (default: 8)
	StoreLookupTimeout time.Duration // budget for the shared store lookup (default: 25ms)
	WriteBehindWorkers int           // concurrent store writes; extra writes are dropped (default: 32)
	WriteTimeout       time.Duration // per store write (default: 1s)
	BatchTimeout       time.Duration // per backend batch, independent of the caller (default: 1s)
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 256
	}
	if c.MaxParallelBatches <= 0 {
		c.MaxParallelBatches = 8
	}
	if c.StoreLookupTimeout <= 0 {
		c.StoreLookupTimeout = 25 * time.Millisecond
	}
	if c.WriteBehindWorkers <= 0 {
		c.WriteBehindWorkers = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	return c
}

// Request is an immutable scoring request.
type Request struct {
	ModelName string
	Context   fingerprint.Context
	Items     []int64
}

// Stats describes how a request was served.
type Stats struct {
	Items     int
	Unique    int
	Hits      int // ready in the score cache
	Joined    int // computed by a concurrent request
	StoreHits int // found in the shared store
	Computed  int // sent to the backend
	Batches   int
}

// Coordinator is safe for concurrent use; one instance serves all requests.
type Coordinator struct {
	encoder *fingerprint.Encoder
	cache   *cache.ScoreCache
	store   cache.ScoreStore
	compute Computer
	cfg     Config
	logger  *zap.Logger

	writeSlots chan struct{}
	writers    sync.WaitGroup
	mu         sync.Mutex // guards closed and writers.Add
	closed     bool
}

// New wires a coordinator. store may be nil when no shared tier is configured.
func New(encoder *fingerprint.Encoder, scores *cache.ScoreCache, store cache.ScoreStore, compute Computer, cfg Config, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if store == nil {
		store = cache.NopStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		encoder:    encoder,
		cache:      scores,
		store:      store,
		compute:    compute,
		cfg:        cfg,
		logger:     logger.Named("coordinator"),
		writeSlots: make(chan struct{}, cfg.WriteBehindWorkers),
	}
}

// GetScores returns one score per req.Items entry, in order. It never returns a
// partial result: on error the scores slice is nil.
func (c *Coordinator) GetScores(ctx context.Context, req *Request) ([]float64, Stats, error) {
	stats := Stats{Items: len(req.Items)}
	if c.isClosed() {
		return nil, stats, ErrClosed
	}

	keys, err := c.encoder.Keys(req.ModelName, req.Context, req.Items)
	if err != nil {
		return nil, stats, err
	}

	resolved := make(map[fingerprint.Key]float64, len(keys))
	var owned []*cache.Reservation
	var pending []*cache.Pending

	for _, k := range keys {
		if _, done := resolved[k]; done {
			continue
		}
		out := c.cache.Acquire(k)
		switch {
		case out.Hit:
			resolved[k] = out.Score
		case out.Reservation != nil:
			// placeholder so repeats of k are skipped
			resolved[k] = 0
			owned = append(owned, out.Reservation)
		default:
			resolved[k] = 0
			pending = append(pending, out.Pending)
		}
	}
	stats.Unique = len(resolved)
	stats.Joined = len(pending)
	stats.Hits = stats.Unique - len(owned) - len(pending)

	metrics.CacheLookupsTotal.WithLabelValues("hit").Add(float64(stats.Hits))
	metrics.CacheLookupsTotal.WithLabelValues("miss").Add(float64(len(owned)))
	metrics.CacheLookupsTotal.WithLabelValues("joined").Add(float64(len(pending)))

	toCompute := c.lookupStore(ctx, owned, resolved)
	stats.StoreHits = len(owned) - len(toCompute)
	stats.Computed = len(toCompute)

	// Owned batches run detached from ctx: other requests may have joined
	// these keys, and one caller leaving must not fail them. BatchTimeout
	// bounds the work instead.
	computed := make([]float64, len(toCompute))
	stats.Batches = (len(toCompute) + c.cfg.MaxBatchSize - 1) / c.cfg.MaxBatchSize
	batchesDone := c.dispatch(ctx, req, toCompute, computed)

	var waitErr error
	for _, p := range pending {
		score, err := p.Wait(ctx)
		if err != nil {
			waitErr = err
			break
		}
		resolved[p.Key()] = score
	}

	var batchErr error
	select {
	case batchErr = <-batchesDone:
	case <-ctx.Done():
		// batches keep running and settle their reservations on their own
		return nil, stats, ctx.Err()
	}
	if batchErr != nil {
		return nil, stats, batchErr
	}
	if waitErr != nil {
		return nil, stats, waitErr
	}

	for i, r := range toCompute {
		resolved[r.Key()] = computed[i]
	}

	scores := make([]float64, len(keys))
	for i, k := range keys {
		scores[i] = resolved[k]
	}
	return scores, stats, nil
}

// dispatch computes owned reservations in batches of MaxBatchSize, at most
// MaxParallelBatches at a time, and reports the first batch error. Batches
// are not cancelled by ctx or by each other's failure; every reservation is
// settled before the returned channel fires.
func (c *Coordinator) dispatch(ctx context.Context, req *Request, owned []*cache.Reservation, out []float64) <-chan error {
	done := make(chan error, 1)
	if len(owned) == 0 {
		done <- nil
		return done
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		var eg errgroup.Group
		eg.SetLimit(c.cfg.MaxParallelBatches)
		for start := 0; start < len(owned); start += c.cfg.MaxBatchSize {
			end := min(start+c.cfg.MaxBatchSize, len(owned))
			eg.Go(func() error {
				batchCtx, cancel := context.WithTimeout(detached, c.cfg.BatchTimeout)
				defer cancel()
				return c.runBatch(batchCtx, req, owned[start:end], out[start:end])
			})
		}
		done <- eg.Wait()
	}()
	return done
}

// lookupStore fulfils reservations found in the shared store and returns the rest.
// Store failures are logged and treated as misses.
func (c *Coordinator) lookupStore(ctx context.Context, owned []*cache.Reservation, resolved map[fingerprint.Key]float64) []*cache.Reservation {
	if len(owned) == 0 {
		return nil
	}
	if _, none := c.store.(cache.NopStore); none {
		return owned
	}

	keys := make([]fingerprint.Key, len(owned))
	for i, r := range owned {
		keys[i] = r.Key()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreLookupTimeout)
	found, err := c.store.GetScores(lookupCtx, keys)
	cancel()
	if err != nil {
		logging.L(ctx).Warn("shared store lookup failed, treating as miss",
			zap.Int("keys", len(keys)),
			zap.Error(err),
		)
		return owned
	}

	rest := make([]*cache.Reservation, 0, len(owned))
	for _, r := range owned {
		if s, ok := found[r.Key()]; ok {
			c.cache.Fulfill(r, s)
			resolved[r.Key()] = s
			continue
		}
		rest = append(rest, r)
	}
	return rest
}

// runBatch computes one batch, settles every reservation in it and hands the
// fresh scores to the shared store.
func (c *Coordinator) runBatch(ctx context.Context, req *Request, batch []*cache.Reservation, out []float64) error {
	inputs := make([]backend.Input, len(batch))
	for i, r := range batch {
		inputs[i] = backend.Input{
			Key:     r.Key(),
			Model:   req.ModelName,
			Context: req.Context,
			Item:    r.Key().Item,
		}
	}
	scores, err := c.compute.Compute(ctx, inputs)
	if err == nil && len(scores) != len(batch) {
		err = &backend.ComputeError{Model: req.ModelName, Reason: "score count does not match batch"}
	}

	if err != nil {
		for _, r := range batch {
			c.cache.Fail(r, err)
		}
		return err
	}

	entries := make([]cache.Entry, len(batch))
	for i, r := range batch {
		c.cache.Fulfill(r, scores[i])
		out[i] = scores[i]
		entries[i] = cache.Entry{Key: r.Key(), Score: scores[i]}
	}
	c.writeBehind(ctx, entries)
	return nil
}

// writeBehind copies freshly computed scores to the shared store without
// holding up the response. Writes are dropped when all slots are busy.
func (c *Coordinator) writeBehind(ctx context.Context, entries []cache.Entry) {
	if len(entries) == 0 {
		return
	}
	if _, none := c.store.(cache.NopStore); none {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.writers.Add(1)
	c.mu.Unlock()

	select {
	case c.writeSlots <- struct{}{}:
	default:
		c.writers.Done()
		metrics.StoreWritesDroppedTotal.Inc()
		logging.L(ctx).Warn("write-behind saturated, dropping scores",
			zap.Int("entries", len(entries)),
		)
		return
	}

	// keep request-scoped values (logger) but not the request's cancellation
	writeCtx := context.WithoutCancel(ctx)

	go func() {
		defer c.writers.Done()
		defer func() { <-c.writeSlots }()

		ctx, cancel := context.WithTimeout(writeCtx, c.cfg.WriteTimeout)
		defer cancel()
		if err := c.store.SetScores(ctx, entries); err != nil {
			logging.L(ctx).Warn("write-behind failed", zap.Error(err))
		}
	}()
}

// Close rejects new requests and waits for pending store writes or ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.writers.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("write-behind drained")
		return nil
	case <-ctx.Done():
		c.logger.Warn("write-behind not drained before shutdown", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
