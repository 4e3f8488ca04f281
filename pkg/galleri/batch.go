package galleri

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunBatches applies fn to items in sequential chunks of width, running each chunk
// concurrently and waiting for it to finish before starting the next.
// Results are index-aligned with items. progress, if set, is called as each item completes.
// ctx is checked between chunks; on cancellation the completed prefix is returned.
func RunBatches[T, R any](ctx context.Context, items []T, width int, fn func(context.Context, T) R, progress func(done, total int)) ([]R, error) {
	width = max(width, 1)
	out := make([]R, len(items))

	var done atomic.Int64
	for start := 0; start < len(items); start += width {
		if err := ctx.Err(); err != nil {
			return out[:start], err
		}

		end := min(start+width, len(items))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				out[i] = fn(ctx, items[i])
				n := done.Add(1)
				if progress != nil {
					progress(int(n), len(items))
				}
				return nil
			})
		}

		// Tasks never fail; per-item failures are carried in R.
		_ = g.Wait()
	}
	return out, nil
}
