package engine

import (
	"context"
	"time"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// SummaryCache is a read-through cache in front of the usage summary.
type SummaryCache interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]store.UsageSummary, error)
	PutMany(ctx context.Context, rows []store.UsageSummary) error
	Invalidate(ctx context.Context) error
}

// MaterialUsage is the facade's view of one summary row.
type MaterialUsage struct {
	JobAreas     int64     `json:"job_areas"`
	Elevations   int64     `json:"elevations"`
	ProjectViews int64     `json:"project_views"`
	Total        int64     `json:"total"`
	LastUsed     time.Time `json:"last_used"`
}

func usageFromSummary(s store.UsageSummary) MaterialUsage {
	return MaterialUsage{
		JobAreas:     s.UsedJobAreas,
		Elevations:   s.UsedElevations,
		ProjectViews: s.UsedProjectViews,
		Total:        s.TotalUses,
		LastUsed:     s.LastUsed,
	}
}

// UsageQuery answers read-only summary lookups.
type UsageQuery struct {
	store *store.Store
	cache SummaryCache
	log   *logger.Logger
}

// NewUsageQuery returns a facade over st. cache may be nil.
func NewUsageQuery(st *store.Store, cache SummaryCache, log *logger.Logger) *UsageQuery {
	return &UsageQuery{store: st, cache: cache, log: log}
}

// Lookup returns usage for every id found in the summary; unknown ids are absent.
// Empty ids returns the whole summary, always read from the store.
func (q *UsageQuery) Lookup(ctx context.Context, ids []int64) (map[int64]MaterialUsage, error) {
	out := make(map[int64]MaterialUsage)
	if len(ids) == 0 {
		rows, err := q.store.GetUsageSummaries(ctx, nil)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.MaterialID] = usageFromSummary(r)
		}
		return out, nil
	}

	missing := dedupIDs(ids)
	if q.cache != nil {
		hits, err := q.cache.GetMany(ctx, missing)
		if err != nil {
			// The store stays authoritative when the cache is down.
			q.log.Warn("summary cache read failed", "error", err)
			hits = nil
		}
		misses := missing[:0:0]
		for _, id := range missing {
			if h, ok := hits[id]; ok {
				out[id] = usageFromSummary(h)
				continue
			}
			misses = append(misses, id)
		}
		MatlensCacheRequestsTotal.WithLabelValues("hit").Add(float64(len(missing) - len(misses)))
		MatlensCacheRequestsTotal.WithLabelValues("miss").Add(float64(len(misses)))
		missing = misses
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := q.store.GetUsageSummaries(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.MaterialID] = usageFromSummary(r)
	}
	if q.cache != nil && len(rows) > 0 {
		if err := q.cache.PutMany(ctx, rows); err != nil {
			q.log.Warn("summary cache write failed", "error", err)
		}
	}
	return out, nil
}

func dedupIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
