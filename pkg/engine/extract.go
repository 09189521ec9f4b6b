package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// Extractor rebuilds the edge tables by exploding the embedded id lists of the
// elevation source and, when present, the project-view source.
type Extractor struct {
	store *store.Store
	cfg   Config
	log   *logger.Logger
}

func NewExtractor(st *store.Store, cfg Config, log *logger.Logger) *Extractor {
	return &Extractor{store: st, cfg: cfg.withDefaults(), log: log}
}

// Run truncates and refills every edge table allowed by caps.
func (e *Extractor) Run(ctx context.Context, caps store.Capabilities) (StageResult, error) {
	timer := startStage(e.log, StageExtract)

	sources := []store.EdgeSource{store.SourceElevations}
	if caps.ProjectViews {
		sources = append(sources, store.SourceProjectViews)
	}

	var chunks, rows int64
	for _, src := range sources {
		c, r, err := e.extractSource(ctx, src)
		if err != nil {
			return StageResult{}, fmt.Errorf("extract %s: %w", src, err)
		}
		chunks += c
		rows += r
	}
	return timer.finish(chunks, rows), nil
}

func (e *Extractor) extractSource(ctx context.Context, src store.EdgeSource) (int64, int64, error) {
	if err := e.store.TruncateEdges(ctx, src); err != nil {
		return 0, 0, err
	}

	lo, hi, ok, err := e.store.ListBounds(ctx, src)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		e.log.Debug("no list rows", "source", src)
		return 0, 0, nil
	}

	table := store.EdgeTable(src)
	var written atomic.Int64
	err = runChunks(ctx, string(StageExtract), e.cfg.Workers, PlanChunks(lo, hi, e.cfg.ChunkSize), func(ctx context.Context, c Chunk) error {
		listRows, err := e.store.FetchListRows(ctx, src, c.Lo, c.Hi)
		if err != nil {
			return err
		}
		edges := explodeRows(listRows)
		n, err := e.store.InsertEdges(ctx, src, edges)
		if err != nil {
			return err
		}
		written.Add(n)
		MatlensRowsWrittenTotal.WithLabelValues(table).Add(float64(n))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return CountChunks(lo, hi, e.cfg.ChunkSize), written.Load(), nil
}

// explodeRows emits one edge per (row, material) pair. Repeats within a list are
// collapsed; repeats across rows are kept.
func explodeRows(rows []store.ListRow) []store.UsageEdge {
	var edges []store.UsageEdge
	for _, r := range rows {
		for _, id := range ExplodeIDs(r.RawIDs) {
			edges = append(edges, store.UsageEdge{EntityID: r.ID, MaterialID: id, Modified: r.Modified})
		}
	}
	return edges
}
