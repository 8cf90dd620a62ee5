package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap/zaptest"

	"recsys-proxy-cache/internal/metrics"
)

func TestBreakerScorer_OpensOnUnavailable(t *testing.T) {
	var calls int
	inner := ScorerFunc(func(_ context.Context, req *Request) ([]float64, error) {
		calls++
		return nil, unavailable(req.Model, errors.New("connection refused"))
	})

	b := NewBreakerScorer(inner, BreakerConfig{
		Name:        "test-open",
		MinRequests: 3,
		Timeout:     time.Hour,
	}, zaptest.NewLogger(t))

	req := &Request{Model: "m", Items: []int64{1}}
	for i := 0; i < 3; i++ {
		if _, err := b.Score(context.Background(), req); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	_, err := b.Score(context.Background(), req)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-state unavailable error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("open breaker must not call the backend, calls=%d", calls)
	}
	if got := testutil.ToFloat64(metrics.BreakerState.WithLabelValues("test-open")); got != 2 {
		t.Fatalf("expected breaker state gauge 2, got %v", got)
	}
}

func TestBreakerScorer_ModelErrorsDoNotTrip(t *testing.T) {
	inner := ScorerFunc(func(_ context.Context, req *Request) ([]float64, error) {
		return nil, &ComputeError{Model: req.Model, Status: 400, Reason: "bad input"}
	})
	b := NewBreakerScorer(inner, BreakerConfig{Name: "test-model-errors", MinRequests: 2}, nil)

	req := &Request{Model: "m", Items: []int64{1}}
	for i := 0; i < 5; i++ {
		var cerr *ComputeError
		if _, err := b.Score(context.Background(), req); !errors.As(err, &cerr) {
			t.Fatalf("expected *ComputeError, got %v", err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("model errors must not open the breaker, got %v", b.State())
	}
}

func TestBreakerScorer_PassesThroughScores(t *testing.T) {
	inner := ScorerFunc(func(_ context.Context, req *Request) ([]float64, error) {
		return []float64{0.5}, nil
	})
	b := NewBreakerScorer(inner, BreakerConfig{Name: "test-pass"}, nil)
	got, err := b.Score(context.Background(), &Request{Model: "m", Items: []int64{1}})
	if err != nil || len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("unexpected %v %v", got, err)
	}
}
