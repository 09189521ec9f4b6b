package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// jobAreaAccumulator holds the running count and latest timestamp per material
// across all chunks of the job-area scan.
type jobAreaAccumulator struct {
	mu   sync.Mutex
	aggs map[int64]*store.SourceAggregate
}

func newJobAreaAccumulator() *jobAreaAccumulator {
	return &jobAreaAccumulator{aggs: make(map[int64]*store.SourceAggregate)}
}

func (a *jobAreaAccumulator) add(uses []store.JobAreaUse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range uses {
		agg, ok := a.aggs[u.MaterialID]
		if !ok {
			agg = &store.SourceAggregate{MaterialID: u.MaterialID}
			a.aggs[u.MaterialID] = agg
		}
		agg.Count++
		if u.Updated.Valid && (!agg.LastSeen.Valid || u.Updated.Time.After(agg.LastSeen.Time)) {
			agg.LastSeen = u.Updated
		}
	}
}

// sorted returns the accumulated aggregates ordered by material id.
func (a *jobAreaAccumulator) sorted() []store.SourceAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]store.SourceAggregate, 0, len(a.aggs))
	for _, agg := range a.aggs {
		out = append(out, *agg)
	}
	slices.SortFunc(out, func(x, y store.SourceAggregate) int {
		return cmp.Compare(x.MaterialID, y.MaterialID)
	})
	return out
}

// JobAreaAggregator rebuilds van_jobareas_mat. Job areas reach materials through
// material_options, so counts are accumulated in memory instead of grouped in SQL.
type JobAreaAggregator struct {
	store *store.Store
	cfg   Config
	log   *logger.Logger
}

func NewJobAreaAggregator(st *store.Store, cfg Config, log *logger.Logger) *JobAreaAggregator {
	return &JobAreaAggregator{store: st, cfg: cfg.withDefaults(), log: log}
}

// Run scans job_area_materials chunk by chunk and replaces the aggregate table.
// It returns the number of chunks scanned and aggregate rows written.
func (j *JobAreaAggregator) Run(ctx context.Context) (int64, int64, error) {
	lo, hi, ok, err := j.store.JobAreaBounds(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		if err := j.store.TruncateJobAreaAggregates(ctx); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil
	}

	acc := newJobAreaAccumulator()
	err = runChunks(ctx, "jobareas", j.cfg.Workers, PlanChunks(lo, hi, j.cfg.ChunkSize), func(ctx context.Context, c Chunk) error {
		uses, err := j.store.FetchJobAreaUses(ctx, c.Lo, c.Hi)
		if err != nil {
			return err
		}
		acc.add(uses)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	n, err := j.store.ReplaceJobAreaAggregates(ctx, acc.sorted())
	if err != nil {
		return 0, 0, fmt.Errorf("write job area aggregates: %w", err)
	}
	MatlensRowsWrittenTotal.WithLabelValues(store.TableJobAreaAgg).Add(float64(n))
	return CountChunks(lo, hi, j.cfg.ChunkSize), n, nil
}
