package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the data-access handle shared by every engine stage. It owns the
// connection pool, the dialect's statement variants and the engine's own tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewStore opens a connection for the given driver ("sqlite", "postgres" or "mysql")
// and migrates the bookkeeping tables. Output tables are created per rebuild, once
// the source capabilities are known.
func NewStore(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	if dialect == DialectMySQL {
		// Timestamps must come back as time.Time.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s db: %w", dialect, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s db: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// A single connection serialises statements; chunk readers drain their
		// rows before writing.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// DB exposes the underlying pool for read-only collaborators and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect the store was opened with.
func (s *Store) Dialect() Dialect { return s.dialect }

// SetClock replaces the clock used for lease expiry.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the engine's bookkeeping tables if they don't exist.
func (s *Store) migrate(ctx context.Context) error {
	for _, t := range []tableDef{rebuildRunsTableDef, leasesTableDef} {
		if err := s.createTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// truncate empties one of the engine's output tables.
func (s *Store) truncate(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Truncate(table)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}
	return nil
}

// bounds reads MIN/MAX of an id column. ok is false when the filtered set is empty.
func (s *Store) bounds(ctx context.Context, query string, args ...any) (lo, hi int64, ok bool, err error) {
	var minID, maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...).Scan(&minID, &maxID); err != nil {
		return 0, 0, false, err
	}
	if !minID.Valid || !maxID.Valid {
		return 0, 0, false, nil
	}
	return minID.Int64, maxID.Int64, true, nil
}

// utc normalises a timestamp before it is bound, so text-stored timestamps
// compare correctly.
func utc(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC()
}
