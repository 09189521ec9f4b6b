package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// SummaryBuilder rebuilds the per-source aggregates and merges them into one
// summary row per catalog material.
type SummaryBuilder struct {
	store   *store.Store
	jobArea *JobAreaAggregator
	cfg     Config
	log     *logger.Logger
}

func NewSummaryBuilder(st *store.Store, cfg Config, log *logger.Logger) *SummaryBuilder {
	return &SummaryBuilder{
		store:   st,
		jobArea: NewJobAreaAggregator(st, cfg, log),
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

// Run rebuilds van_jobareas_mat, van_elev_mat, van_pv_mat (when caps allow) and
// finally van_material_usage_summary.
func (b *SummaryBuilder) Run(ctx context.Context, caps store.Capabilities) (StageResult, error) {
	timer := startStage(b.log, StageSummary)

	chunks, jobRows, err := b.jobArea.Run(ctx)
	if err != nil {
		return StageResult{}, fmt.Errorf("summary: job areas: %w", err)
	}
	b.log.Debug("job area aggregate rebuilt", "rows", jobRows)

	sources := []store.EdgeSource{store.SourceElevations}
	if caps.ProjectViews {
		sources = append(sources, store.SourceProjectViews)
	}
	for _, src := range sources {
		c, err := b.aggregateSource(ctx, src)
		if err != nil {
			return StageResult{}, fmt.Errorf("summary: aggregate %s: %w", src, err)
		}
		chunks += c
	}

	c, rows, err := b.merge(ctx, caps)
	if err != nil {
		return StageResult{}, fmt.Errorf("summary: merge: %w", err)
	}
	return timer.finish(chunks+c, rows), nil
}

// aggregateSource groups an edge table by material id, chunked over the material ids
// present in it.
func (b *SummaryBuilder) aggregateSource(ctx context.Context, src store.EdgeSource) (int64, error) {
	if err := b.store.TruncateAggregate(ctx, src); err != nil {
		return 0, err
	}
	lo, hi, ok, err := b.store.EdgeMaterialBounds(ctx, src)
	if err != nil || !ok {
		return 0, err
	}

	table := store.AggregateTable(src)
	err = runChunks(ctx, "aggregate", b.cfg.Workers, PlanChunks(lo, hi, b.cfg.ChunkSize), func(ctx context.Context, c Chunk) error {
		n, err := b.store.AggregateEdges(ctx, src, c.Lo, c.Hi)
		if err != nil {
			return err
		}
		MatlensRowsWrittenTotal.WithLabelValues(table).Add(float64(n))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return CountChunks(lo, hi, b.cfg.ChunkSize), nil
}

// merge writes the summary chunk by chunk over the catalog id range.
func (b *SummaryBuilder) merge(ctx context.Context, caps store.Capabilities) (int64, int64, error) {
	if err := b.store.TruncateSummary(ctx); err != nil {
		return 0, 0, err
	}
	lo, hi, ok, err := b.store.CatalogBounds(ctx)
	if err != nil || !ok {
		return 0, 0, err
	}

	var written atomic.Int64
	err = runChunks(ctx, string(StageSummary), b.cfg.Workers, PlanChunks(lo, hi, b.cfg.ChunkSize), func(ctx context.Context, c Chunk) error {
		n, err := b.store.InsertSummaryRange(ctx, caps, c.Lo, c.Hi)
		if err != nil {
			return err
		}
		written.Add(n)
		MatlensRowsWrittenTotal.WithLabelValues(store.TableUsageSummary).Add(float64(n))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return CountChunks(lo, hi, b.cfg.ChunkSize), written.Load(), nil
}
