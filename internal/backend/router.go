package backend

import (
	"context"
	"strings"
)

// ModelRouter sends the random model to an in-process scorer and everything
// else to the model server.
type ModelRouter struct {
	Random  Scorer
	Default Scorer
}

func (r *ModelRouter) Score(ctx context.Context, req *Request) ([]float64, error) {
	if r.Random != nil && strings.EqualFold(req.Model, RandomModel) {
		return r.Random.Score(ctx, req)
	}
	return r.Default.Score(ctx, req)
}
