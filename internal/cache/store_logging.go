package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/metrics"
	"recsys-proxy-cache/pkg/logging/logging"
)

// LoggingScoreStore wraps a ScoreStore with logging + metrics.
type LoggingScoreStore struct {
	inner   ScoreStore
	backend string
}

// NewLoggingScoreStore returns a store that logs and records metrics under the backend label.
func NewLoggingScoreStore(inner ScoreStore, backend string) *LoggingScoreStore {
	return &LoggingScoreStore{inner: inner, backend: backend}
}

func (s *LoggingScoreStore) GetScores(ctx context.Context, keys []fingerprint.Key) (map[fingerprint.Key]float64, error) {
	start := time.Now()
	found, err := s.inner.GetScores(ctx, keys)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_tier", s.backend),
		zap.Int("keys", len(keys)),
		zap.Int("found", len(found)),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues(s.backend, "get", "error").Inc()
		logger.Warn("store_get", append(fields, zap.Error(err))...)
		return nil, err
	}

	metrics.StoreOpsTotal.WithLabelValues(s.backend, "get", "hit").Add(float64(len(found)))
	metrics.StoreOpsTotal.WithLabelValues(s.backend, "get", "miss").Add(float64(len(keys) - len(found)))
	logger.Debug("store_get", fields...)
	return found, nil
}

func (s *LoggingScoreStore) SetScores(ctx context.Context, entries []Entry) error {
	start := time.Now()
	err := s.inner.SetScores(ctx, entries)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_tier", s.backend),
		zap.Int("entries", len(entries)),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues(s.backend, "set", "error").Inc()
		logger.Warn("store_set", append(fields, zap.Error(err))...)
		return err
	}

	metrics.StoreOpsTotal.WithLabelValues(s.backend, "set", "ok").Inc()
	logger.Debug("store_set", fields...)
	return nil
}

func (s *LoggingScoreStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}
