package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// insertRows writes rows into table with multi-row INSERT statements sized to the
// dialect's bind-parameter limit. It runs on tx when given, else on the pool.
func (s *Store) insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	width := len(columns)
	perStmt := s.dialect.maxParams() / width
	if perStmt < 1 {
		perStmt = 1
	}

	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	var written int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		batch := rows[start:end]

		var b strings.Builder
		b.WriteString(head)
		args := make([]any, 0, len(batch)*width)
		for i, r := range batch {
			if len(r) != width {
				return written, fmt.Errorf("row %d has %d values, want %d", start+i, len(r), width)
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(tuple)
			args = append(args, r...)
		}

		query := s.dialect.Rebind(b.String())
		var err error
		if tx != nil {
			_, err = tx.ExecContext(ctx, query, args...)
		} else {
			_, err = s.db.ExecContext(ctx, query, args...)
		}
		if err != nil {
			return written, fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		written += int64(len(batch))
	}
	return written, nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}
