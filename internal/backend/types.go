// Package backend invokes the external scoring model for cache misses.
package backend

import (
	"context"
	"errors"
	"fmt"

	"recsys-proxy-cache/internal/fingerprint"
)

// ErrUnavailable wraps failures where the model could not be reached at all
// (transport errors, overload responses, open circuit breaker).
var ErrUnavailable = errors.New("scoring backend unavailable")

// ComputeError is returned when the model answered but the answer is unusable.
type ComputeError struct {
	Model  string
	Status int // HTTP status, 0 when not applicable
	Reason string
}

func (e *ComputeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("scoring backend %s: status %d: %s", e.Model, e.Status, e.Reason)
	}
	return fmt.Sprintf("scoring backend %s: %s", e.Model, e.Reason)
}

func unavailable(model string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, model, err)
}

// Request is one call to a scoring model: a single context and the items to score.
type Request struct {
	Model   string
	Context fingerprint.Context
	Items   []int64
}

// Scorer returns one score per req.Items entry, in the same order.
type Scorer interface {
	Score(ctx context.Context, req *Request) ([]float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req *Request) ([]float64, error)

func (f ScorerFunc) Score(ctx context.Context, req *Request) ([]float64, error) {
	return f(ctx, req)
}

// Input is one uncached score to compute.
type Input struct {
	Key     fingerprint.Key
	Model   string
	Context fingerprint.Context
	Item    int64
}
