package client

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/nodemanager/pkg/types"
)

// FanOut runs call for every engine index in [0, n) with at most n in
// flight and returns once every slot is filled. Slot i always holds the
// result for engine i.
func FanOut(ctx context.Context, n int, call func(ctx context.Context, i int) types.Result) []types.Result {
	results := make([]types.Result, n)
	if n == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			results[i] = call(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
