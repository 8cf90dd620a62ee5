package backend

import (
	"context"
	"math/rand/v2"
)

// RandomModel is served in-process; used for load testing the proxy.
const RandomModel = "random"

// RandomScorer returns uniform scores in [0, 1). Scores are stable per key only
// because the cache never recomputes a Ready entry.
type RandomScorer struct{}

func (RandomScorer) Score(ctx context.Context, req *Request) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(req.Items))
	for i := range out {
		out[i] = rand.Float64()
	}
	return out, nil
}
