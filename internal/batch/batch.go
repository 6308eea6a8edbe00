// Package batch fans work out over a bounded pool of goroutines and
// collects results in input order.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ItemError reports which input failed.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Run calls fn for every input with at most limit calls in flight and
// returns outputs where out[i] belongs to inputs[i], whatever order the
// calls finish in. The first failure cancels the context passed to the
// remaining calls and is returned as an *ItemError; no partial results are
// returned. A limit <= 0 runs every input at once.
func Run[In, Out any](ctx context.Context, inputs []In, limit int, fn func(ctx context.Context, i int, in In) (Out, error)) ([]Out, error) {
	if len(inputs) == 0 {
		return []Out{}, nil
	}
	if limit <= 0 || limit > len(inputs) {
		limit = len(inputs)
	}

	out := make([]Out, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, in := range inputs {
		g.Go(func() error {
			res, err := fn(gctx, i, in)
			if err != nil {
				return &ItemError{Index: i, Err: err}
			}
			out[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
