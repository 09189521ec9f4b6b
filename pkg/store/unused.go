package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RebuildUnused replaces the unused snapshot with every summary row that has no uses,
// stamped with snapshotAt.
func (s *Store) RebuildUnused(ctx context.Context, snapshotAt time.Time) (int64, error) {
	if err := s.truncate(ctx, TableUnused); err != nil {
		return 0, err
	}
	n, err := s.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (material_id, last_used, snapshot_at, reason_all_unused)
		SELECT material_id, last_used, %s, 1
		FROM %s
		WHERE total_uses = 0
	`, TableUnused, s.dialect.timeParam(), TableUsageSummary), snapshotAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to build unused snapshot: %w", err)
	}
	return n, nil
}

// ListUnused returns a page of the unused snapshot ordered by material id.
// A non-positive limit returns every row.
func (s *Store) ListUnused(ctx context.Context, limit, offset int) ([]UnusedMaterial, error) {
	query := fmt.Sprintf(`SELECT material_id, last_used, snapshot_at, reason_all_unused FROM %s ORDER BY material_id`, TableUnused)
	var args []any
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unused materials: %w", err)
	}
	defer rows.Close()

	var out []UnusedMaterial
	for rows.Next() {
		var u UnusedMaterial
		var reason int64
		var lastUsed sql.NullTime
		if err := rows.Scan(&u.MaterialID, &lastUsed, &u.SnapshotAt, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan unused material: %w", err)
		}
		u.LastUsed = lastUsed.Time.UTC()
		u.SnapshotAt = u.SnapshotAt.UTC()
		u.ReasonAllUnused = reason != 0
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unused materials: %w", err)
	}
	return out, nil
}

// CountUnused returns the size of the current unused snapshot.
func (s *Store) CountUnused(ctx context.Context) (int64, error) {
	return s.CountRows(ctx, TableUnused)
}
