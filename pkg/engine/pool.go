package engine

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"
)

// runChunks applies fn to every chunk on at most workers goroutines. The first
// failure cancels the remaining chunks and is returned wrapped with its bounds.
func runChunks(ctx context.Context, stage string, workers int, chunks iter.Seq[Chunk], fn func(context.Context, Chunk) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for c := range chunks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("%s chunk [%d, %d]: %w", stage, c.Lo, c.Hi, err)
			}
			MatlensChunksTotal.WithLabelValues(stage).Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// Cancelled before any chunk failed.
	return ctx.Err()
}
