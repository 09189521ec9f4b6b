package store

import (
	"context"
	"database/sql"
	"fmt"
)

// JobAreaBounds returns the id range of job_area_materials.
func (s *Store) JobAreaBounds(ctx context.Context) (lo, hi int64, ok bool, err error) {
	lo, hi, ok, err = s.bounds(ctx, `SELECT MIN(id), MAX(id) FROM job_area_materials`)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read job_area_materials bounds: %w", err)
	}
	return lo, hi, ok, nil
}

// FetchJobAreaUses resolves the job-area rows with ids in [lo, hi] to catalog materials
// through material_options. Options without a material are skipped.
func (s *Store) FetchJobAreaUses(ctx context.Context, lo, hi int64) ([]JobAreaUse, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT mo.material_id, jam.updated
		FROM job_area_materials jam
		JOIN material_options mo ON mo.id = jam.material_option_id
		WHERE jam.id BETWEEN ? AND ? AND mo.material_id IS NOT NULL
	`), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query job area materials: %w", err)
	}
	defer rows.Close()

	var out []JobAreaUse
	for rows.Next() {
		var u JobAreaUse
		if err := rows.Scan(&u.MaterialID, &u.Updated); err != nil {
			return nil, fmt.Errorf("failed to scan job area material: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job area materials: %w", err)
	}
	return out, nil
}

// TruncateJobAreaAggregates empties van_jobareas_mat.
func (s *Store) TruncateJobAreaAggregates(ctx context.Context) error {
	return s.truncate(ctx, TableJobAreaAgg)
}

// ReplaceJobAreaAggregates truncates van_jobareas_mat and writes aggs in batches.
func (s *Store) ReplaceJobAreaAggregates(ctx context.Context, aggs []SourceAggregate) (int64, error) {
	if err := s.truncate(ctx, TableJobAreaAgg); err != nil {
		return 0, err
	}
	rows := make([][]any, len(aggs))
	for i, a := range aggs {
		rows[i] = []any{a.MaterialID, a.Count, utc(a.LastSeen)}
	}
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.insertRows(ctx, tx, TableJobAreaAgg, []string{"material_id", "cnt", "last_dt"}, rows)
		return err
	})
	return n, err
}

// TruncateAggregate empties the per-source aggregate built from src's edges.
func (s *Store) TruncateAggregate(ctx context.Context, src EdgeSource) error {
	def, err := lookupSource(src)
	if err != nil {
		return err
	}
	return s.truncate(ctx, def.aggTable)
}

// EdgeMaterialBounds returns the material id range present in src's edge table.
func (s *Store) EdgeMaterialBounds(ctx context.Context, src EdgeSource) (lo, hi int64, ok bool, err error) {
	def, err := lookupSource(src)
	if err != nil {
		return 0, 0, false, err
	}
	lo, hi, ok, err = s.bounds(ctx, fmt.Sprintf(`SELECT MIN(material_id), MAX(material_id) FROM %s`, def.edgeTable))
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read %s bounds: %w", def.edgeTable, err)
	}
	return lo, hi, ok, nil
}

// AggregateEdges groups the edges of materials in [lo, hi] into src's aggregate table.
// Chunks partition the material id space, so each material is written once.
func (s *Store) AggregateEdges(ctx context.Context, src EdgeSource, lo, hi int64) (int64, error) {
	def, err := lookupSource(src)
	if err != nil {
		return 0, err
	}
	n, err := s.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (material_id, cnt, last_dt)
		SELECT material_id, COUNT(*), MAX(modified)
		FROM %s
		WHERE material_id BETWEEN ? AND ?
		GROUP BY material_id
	`, def.aggTable, def.edgeTable), lo, hi)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s [%d, %d]: %w", def.edgeTable, lo, hi, err)
	}
	return n, nil
}

// AggregateRows returns every row of a per-source aggregate table ordered by material id.
func (s *Store) AggregateRows(ctx context.Context, table string) ([]SourceAggregate, error) {
	switch table {
	case TableJobAreaAgg, TableElevationAgg, TableProjectViewAgg:
	default:
		return nil, fmt.Errorf("not an aggregate table: %s", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT material_id, cnt, last_dt FROM %s ORDER BY material_id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []SourceAggregate
	for rows.Next() {
		var a SourceAggregate
		if err := rows.Scan(&a.MaterialID, &a.Count, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
