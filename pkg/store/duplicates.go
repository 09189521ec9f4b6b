package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"
)

// FetchMaterialKeys reads the title components of catalog materials with ids in [lo, hi].
func (s *Store) FetchMaterialKeys(ctx context.Context, lo, hi int64) ([]MaterialKey, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT m.id, m.title, b.title, bs.title, c.title
		FROM materials m
		LEFT JOIN material_brands b ON b.id = m.material_brand_id
		LEFT JOIN material_brand_styles bs ON bs.id = m.material_brand_style_id
		LEFT JOIN material_categories c ON c.id = m.material_category_id
		WHERE m.id BETWEEN ? AND ?
		ORDER BY m.id
	`), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query material keys: %w", err)
	}
	defer rows.Close()

	var out []MaterialKey
	for rows.Next() {
		var k MaterialKey
		var title, brand, style, category sql.NullString
		if err := rows.Scan(&k.ID, &title, &brand, &style, &category); err != nil {
			return nil, fmt.Errorf("failed to scan material key: %w", err)
		}
		k.Title, k.Brand, k.Style, k.Category = title.String, brand.String, style.String, category.String
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate material keys: %w", err)
	}
	return out, nil
}

// TruncateDuplicates empties van_duplicate_materials.
func (s *Store) TruncateDuplicates(ctx context.Context) error {
	return s.truncate(ctx, TableDuplicates)
}

// InsertDuplicateMembers appends membership rows in one transaction.
func (s *Store) InsertDuplicateMembers(ctx context.Context, members []DuplicateMember) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(members))
	for i, m := range members {
		rows[i] = []any{m.KeyType, m.GroupHash, m.GroupSize, m.MaterialID, m.SnapshotAt.UTC()}
	}
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.insertRows(ctx, tx, TableDuplicates,
			[]string{"key_type", "group_hash", "group_size", "material_id", "snapshot_at"}, rows)
		return err
	})
	return n, err
}

// DuplicateKeyTypes returns the distinct key types present, sorted.
func (s *Store) DuplicateKeyTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT key_type FROM %s ORDER BY key_type`, TableDuplicates))
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate key types: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var kt string
		if err := rows.Scan(&kt); err != nil {
			return nil, fmt.Errorf("failed to scan key type: %w", err)
		}
		out = append(out, kt)
	}
	return out, rows.Err()
}

// DuplicateGroupCounts returns the number of groups per key type.
func (s *Store) DuplicateGroupCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key_type, COUNT(DISTINCT group_hash) FROM %s GROUP BY key_type
	`, TableDuplicates))
	if err != nil {
		return nil, fmt.Errorf("failed to count duplicate groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kt string
		var n int64
		if err := rows.Scan(&kt, &n); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate group count: %w", err)
		}
		out[kt] = n
	}
	return out, rows.Err()
}

// ListDuplicateGroups returns a page of groups for keyType ordered by hash, each with
// its member ids ascending. A non-positive limit returns every group.
func (s *Store) ListDuplicateGroups(ctx context.Context, keyType string, limit, offset int) ([]DuplicateGroup, error) {
	query := fmt.Sprintf(`
		SELECT group_hash, group_size FROM %s
		WHERE key_type = ?
		GROUP BY group_hash, group_size
		ORDER BY group_hash
	`, TableDuplicates)
	args := []any{keyType}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate groups: %w", err)
	}
	var groups []DuplicateGroup
	index := make(map[string]int)
	for rows.Next() {
		var g DuplicateGroup
		if err := rows.Scan(&g.GroupHash, &g.GroupSize); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan duplicate group: %w", err)
		}
		g.KeyType = keyType
		index[g.GroupHash] = len(groups)
		groups = append(groups, g)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate duplicate groups: %w", err)
	}
	if len(groups) == 0 {
		return groups, nil
	}

	hashes := make([]string, len(groups))
	for i, g := range groups {
		hashes[i] = g.GroupHash
	}
	for batch := range slices.Chunk(hashes, s.dialect.maxParams()-1) {
		if err := s.fillDuplicateMembers(ctx, keyType, batch, groups, index); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *Store) fillDuplicateMembers(ctx context.Context, keyType string, hashes []string, groups []DuplicateGroup, index map[string]int) error {
	args := make([]any, 0, len(hashes)+1)
	args = append(args, keyType)
	for _, h := range hashes {
		args = append(args, h)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT group_hash, material_id FROM %s
		WHERE key_type = ? AND group_hash IN (%s)
		ORDER BY group_hash, material_id
	`, TableDuplicates, strings.TrimSuffix(strings.Repeat("?, ", len(hashes)), ", "))), args...)
	if err != nil {
		return fmt.Errorf("failed to query duplicate members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var id int64
		if err := rows.Scan(&hash, &id); err != nil {
			return fmt.Errorf("failed to scan duplicate member: %w", err)
		}
		if i, ok := index[hash]; ok {
			groups[i].MaterialIDs = append(groups[i].MaterialIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate duplicate members: %w", err)
	}
	return nil
}

// ListDuplicateMembers returns every membership row in table order: key type, hash, id.
func (s *Store) ListDuplicateMembers(ctx context.Context) ([]DuplicateMember, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key_type, group_hash, group_size, material_id, snapshot_at FROM %s
		ORDER BY key_type, group_hash, material_id
	`, TableDuplicates))
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate members: %w", err)
	}
	defer rows.Close()

	var out []DuplicateMember
	for rows.Next() {
		var m DuplicateMember
		var at time.Time
		if err := rows.Scan(&m.KeyType, &m.GroupHash, &m.GroupSize, &m.MaterialID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate member: %w", err)
		}
		m.SnapshotAt = at.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
