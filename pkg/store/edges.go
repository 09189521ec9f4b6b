package store

import (
	"context"
	"database/sql"
	"fmt"
)

type edgeSourceDef struct {
	sourceTable  string
	edgeTable    string
	entityColumn string
	aggTable     string
}

// The closed set of list-bearing sources. Table names never come from callers.
var edgeSources = map[EdgeSource]edgeSourceDef{
	SourceElevations: {
		sourceTable:  "tmp_project_elevations",
		edgeTable:    TableElevationEdges,
		entityColumn: "elevation_id",
		aggTable:     TableElevationAgg,
	},
	SourceProjectViews: {
		sourceTable:  "project_views",
		edgeTable:    TableProjectViewEdges,
		entityColumn: "project_view_id",
		aggTable:     TableProjectViewAgg,
	},
}

func lookupSource(src EdgeSource) (edgeSourceDef, error) {
	def, ok := edgeSources[src]
	if !ok {
		return edgeSourceDef{}, fmt.Errorf("unknown edge source: %s", src)
	}
	return def, nil
}

// EdgeTable returns the edge table exploded from src.
func EdgeTable(src EdgeSource) string { return edgeSources[src].edgeTable }

// AggregateTable returns the per-source aggregate table built from src's edges.
func AggregateTable(src EdgeSource) string { return edgeSources[src].aggTable }

// TruncateEdges empties the edge table of src.
func (s *Store) TruncateEdges(ctx context.Context, src EdgeSource) error {
	def, err := lookupSource(src)
	if err != nil {
		return err
	}
	return s.truncate(ctx, def.edgeTable)
}

// ListBounds returns the id range of source rows carrying a non-empty list.
func (s *Store) ListBounds(ctx context.Context, src EdgeSource) (lo, hi int64, ok bool, err error) {
	def, err := lookupSource(src)
	if err != nil {
		return 0, 0, false, err
	}
	lo, hi, ok, err = s.bounds(ctx, fmt.Sprintf(`
		SELECT MIN(id), MAX(id) FROM %s
		WHERE existing_material_ids IS NOT NULL AND existing_material_ids <> ''
	`, def.sourceTable))
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read %s bounds: %w", def.sourceTable, err)
	}
	return lo, hi, ok, nil
}

// FetchListRows reads the rows of src with ids in [lo, hi] that carry a non-empty list.
// The result set is fully drained before returning.
func (s *Store) FetchListRows(ctx context.Context, src EdgeSource, lo, hi int64) ([]ListRow, error) {
	def, err := lookupSource(src)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT id, modified, existing_material_ids FROM %s
		WHERE id BETWEEN ? AND ?
			AND existing_material_ids IS NOT NULL AND existing_material_ids <> ''
		ORDER BY id
	`, def.sourceTable)), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", def.sourceTable, err)
	}
	defer rows.Close()

	var out []ListRow
	for rows.Next() {
		var r ListRow
		var raw sql.NullString
		if err := rows.Scan(&r.ID, &r.Modified, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", def.sourceTable, err)
		}
		r.RawIDs = raw.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", def.sourceTable, err)
	}
	return out, nil
}

// InsertEdges writes one chunk of edges inside a single transaction.
func (s *Store) InsertEdges(ctx context.Context, src EdgeSource, edges []UsageEdge) (int64, error) {
	def, err := lookupSource(src)
	if err != nil {
		return 0, err
	}
	if len(edges) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(edges))
	for i, e := range edges {
		rows[i] = []any{e.EntityID, e.MaterialID, utc(e.Modified)}
	}

	var n int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.insertRows(ctx, tx, def.edgeTable, []string{def.entityColumn, "material_id", "modified"}, rows)
		return err
	})
	return n, err
}

// CountRows returns the row count of one of the engine's tables.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !isOwnedTable(table) {
		return 0, fmt.Errorf("unknown table: %s", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func isOwnedTable(table string) bool {
	switch table {
	case TableElevationEdges, TableProjectViewEdges, TableJobAreaAgg, TableElevationAgg,
		TableProjectViewAgg, TableUsageSummary, TableUnused, TableDuplicates, TableRebuildRuns, TableLeases:
		return true
	}
	return false
}
