package store

import (
	"context"
	"fmt"
	"strings"
)

// CatalogBounds returns the id range of materials.
func (s *Store) CatalogBounds(ctx context.Context) (lo, hi int64, ok bool, err error) {
	lo, hi, ok, err = s.bounds(ctx, `SELECT MIN(id), MAX(id) FROM materials`)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read materials bounds: %w", err)
	}
	return lo, hi, ok, nil
}

// CatalogCount returns the number of catalog materials.
func (s *Store) CatalogCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM materials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count materials: %w", err)
	}
	return n, nil
}

// TruncateSummary empties van_material_usage_summary.
func (s *Store) TruncateSummary(ctx context.Context) error {
	return s.truncate(ctx, TableUsageSummary)
}

// summaryInsert renders the fixed summary statement for the capability set. Every
// absent timestamp is replaced by the bound sentinel before taking the greatest.
func (s *Store) summaryInsert(caps Capabilities) (string, int) {
	greatest := s.dialect.Greatest()
	if caps.ProjectViews {
		return fmt.Sprintf(`
			INSERT INTO %s (material_id, used_job_areas, used_elevations, used_project_views, total_uses, last_used)
			SELECT m.id,
				COALESCE(j.cnt, 0),
				COALESCE(e.cnt, 0),
				COALESCE(p.cnt, 0),
				COALESCE(j.cnt, 0) + COALESCE(e.cnt, 0) + COALESCE(p.cnt, 0),
				%s(COALESCE(j.last_dt, ?), COALESCE(e.last_dt, ?), COALESCE(p.last_dt, ?), COALESCE(m.modified, ?))
			FROM materials m
			LEFT JOIN %s j ON j.material_id = m.id
			LEFT JOIN %s e ON e.material_id = m.id
			LEFT JOIN %s p ON p.material_id = m.id
			WHERE m.id BETWEEN ? AND ?
		`, TableUsageSummary, greatest, TableJobAreaAgg, TableElevationAgg, TableProjectViewAgg), 4
	}
	return fmt.Sprintf(`
		INSERT INTO %s (material_id, used_job_areas, used_elevations, used_project_views, total_uses, last_used)
		SELECT m.id,
			COALESCE(j.cnt, 0),
			COALESCE(e.cnt, 0),
			0,
			COALESCE(j.cnt, 0) + COALESCE(e.cnt, 0),
			%s(COALESCE(j.last_dt, ?), COALESCE(e.last_dt, ?), COALESCE(m.modified, ?))
		FROM materials m
		LEFT JOIN %s j ON j.material_id = m.id
		LEFT JOIN %s e ON e.material_id = m.id
		WHERE m.id BETWEEN ? AND ?
	`, TableUsageSummary, greatest, TableJobAreaAgg, TableElevationAgg), 3
}

// InsertSummaryRange writes one summary row per catalog material with id in [lo, hi].
func (s *Store) InsertSummaryRange(ctx context.Context, caps Capabilities, lo, hi int64) (int64, error) {
	query, sentinels := s.summaryInsert(caps)
	args := make([]any, 0, sentinels+2)
	for range sentinels {
		args = append(args, Sentinel)
	}
	args = append(args, lo, hi)

	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to build summary [%d, %d]: %w", lo, hi, err)
	}
	return n, nil
}

const summaryColumns = `material_id, used_job_areas, used_elevations, used_project_views, total_uses, last_used`

// GetUsageSummaries returns summary rows for ids, or every row when ids is empty.
// Unknown ids are simply absent from the result.
func (s *Store) GetUsageSummaries(ctx context.Context, ids []int64) ([]UsageSummary, error) {
	if len(ids) == 0 {
		return s.querySummaries(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY material_id`, summaryColumns, TableUsageSummary))
	}

	var out []UsageSummary
	step := s.dialect.maxParams()
	for start := 0; start < len(ids); start += step {
		batch := ids[start:min(start+step, len(ids))]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE material_id IN (%s) ORDER BY material_id`,
			summaryColumns, TableUsageSummary, strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", "))
		rows, err := s.querySummaries(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ListSummaries returns a page of summary rows ordered by material id.
func (s *Store) ListSummaries(ctx context.Context, limit, offset int) ([]UsageSummary, error) {
	return s.querySummaries(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY material_id LIMIT ? OFFSET ?`,
		summaryColumns, TableUsageSummary), limit, offset)
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...any) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.MaterialID, &u.UsedJobAreas, &u.UsedElevations, &u.UsedProjectViews, &u.TotalUses, &u.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		u.LastUsed = u.LastUsed.UTC()
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage summary: %w", err)
	}
	return out, nil
}
