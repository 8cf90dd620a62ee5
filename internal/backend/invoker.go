package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Invoker turns a batch of cache misses into Scorer calls.
type Invoker struct {
	scorer Scorer
	logger *zap.Logger
}

func NewInvoker(scorer Scorer, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{scorer: scorer, logger: logger.Named("invoker")}
}

type group struct {
	req       Request
	positions []int
}

// Compute scores inputs and returns them in input order. Inputs are grouped by
// context fingerprint, one Scorer call per group; inputs whose contexts collide
// are scored with the first context seen. Any failure fails the whole batch.
//
// The coordinator only sends single-context batches, which take one call.
// Mixed batches are accepted so other callers need not pre-group.
func (inv *Invoker) Compute(ctx context.Context, inputs []Input) ([]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var groups []*group
	byContext := make(map[uint64]*group)
	for i, in := range inputs {
		g, ok := byContext[in.Key.Context]
		if !ok {
			g = &group{req: Request{Model: in.Model, Context: in.Context}}
			byContext[in.Key.Context] = g
			groups = append(groups, g)
		}
		g.req.Items = append(g.req.Items, in.Item)
		g.positions = append(g.positions, i)
	}

	out := make([]float64, len(inputs))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			scores, err := inv.scorer.Score(egCtx, &g.req)
			if err != nil {
				return err
			}
			if len(scores) != len(g.req.Items) {
				return &ComputeError{
					Model:  g.req.Model,
					Reason: fmt.Sprintf("scorer returned %d scores for %d items", len(scores), len(g.req.Items)),
				}
			}
			// positions are disjoint across groups
			for j, pos := range g.positions {
				out[pos] = scores[j]
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if len(groups) > 1 {
		inv.logger.Debug("batch spanned several contexts",
			zap.Int("inputs", len(inputs)),
			zap.Int("groups", len(groups)),
		)
	}
	return out, nil
}
