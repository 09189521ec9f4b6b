package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the fixed statement variants for one SQL engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect maps a driver or dialect name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", name)
	}
}

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// Rebind rewrites ? placeholders into $n for PostgreSQL. Statements in this package never
// carry ? inside string literals.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Truncate returns the statement that empties a table.
func (d Dialect) Truncate(table string) string {
	if d == DialectSQLite {
		return "DELETE FROM " + table
	}
	return "TRUNCATE TABLE " + table
}

// Greatest returns the scalar greatest-of function name.
func (d Dialect) Greatest() string {
	if d == DialectSQLite {
		return "MAX"
	}
	return "GREATEST"
}

// timeParam is a timestamp placeholder usable where the engine cannot infer its type,
// such as the select list of INSERT ... SELECT.
func (d Dialect) timeParam() string {
	if d == DialectPostgres {
		return "CAST(? AS TIMESTAMP)"
	}
	return "?"
}

// maxParams bounds the bind parameters of a single multi-row insert.
func (d Dialect) maxParams() int {
	if d == DialectSQLite {
		return 999
	}
	return 60000
}

func (d Dialect) columnType(kind columnKind) string {
	switch d {
	case DialectPostgres:
		switch kind {
		case kindInt:
			return "BIGINT"
		case kindTime:
			return "TIMESTAMP"
		case kindBool:
			return "SMALLINT"
		case kindText:
			return "TEXT"
		}
	case DialectMySQL:
		switch kind {
		case kindInt:
			return "BIGINT"
		case kindTime:
			return "DATETIME(6)"
		case kindBool:
			return "TINYINT(1)"
		case kindText:
			return "TEXT"
		}
	default:
		switch kind {
		case kindInt, kindBool:
			return "INTEGER"
		case kindTime:
			return "DATETIME"
		case kindText:
			return "TEXT"
		}
	}
	return "TEXT"
}

func (d Dialect) varchar(size int) string {
	if d == DialectSQLite {
		return "TEXT"
	}
	return fmt.Sprintf("VARCHAR(%d)", size)
}

// tableExistsQuery counts tables named by the single bound parameter.
func (d Dialect) tableExistsQuery() string {
	switch d {
	case DialectPostgres:
		return `SELECT COUNT(*) FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1`
	case DialectMySQL:
		return `SELECT COUNT(*) FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_name = ?`
	default:
		return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
}

// columnExistsQuery counts columns matching (table, column).
func (d Dialect) columnExistsQuery() string {
	switch d {
	case DialectPostgres:
		return `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`
	case DialectMySQL:
		return `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`
	default:
		return `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
	}
}
