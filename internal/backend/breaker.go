package backend

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"recsys-proxy-cache/internal/metrics"
)

type BreakerConfig struct {
	Name         string
	MaxRequests  uint32        // trial calls allowed while half-open (default: 3)
	Interval     time.Duration // closed-state counting window (default: 1m)
	Timeout      time.Duration // open -> half-open (default: 10s)
	MinRequests  uint32        // requests before the ratio is considered (default: 20)
	FailureRatio float64       // trip threshold (default: 0.5)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "tfserving"
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 20
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	return c
}

// BreakerScorer stops calling an unreachable model server. Only availability
// failures count against the breaker; model errors and caller cancellations
// do not.
type BreakerScorer struct {
	inner Scorer
	cb    *gobreaker.CircuitBreaker[[]float64]
	name  string
}

func NewBreakerScorer(inner Scorer, cfg BreakerConfig, logger *zap.Logger) *BreakerScorer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("breaker")

	metrics.BreakerState.WithLabelValues(cfg.Name).Set(stateToFloat(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[[]float64](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerScorer{inner: inner, cb: cb, name: cfg.Name}
}

func (b *BreakerScorer) Score(ctx context.Context, req *Request) ([]float64, error) {
	scores, err := b.cb.Execute(func() ([]float64, error) {
		return b.inner.Score(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, unavailable(req.Model, err)
	}
	return scores, err
}

// State reports the current breaker state.
func (b *BreakerScorer) State() gobreaker.State {
	return b.cb.State()
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
