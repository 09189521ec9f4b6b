package store

import (
	"context"
	"fmt"
	"strings"
)

// Output tables owned by the engine.
const (
	TableElevationEdges   = "van_tpe_materials_extracted"
	TableProjectViewEdges = "van_pv_materials_extracted"
	TableJobAreaAgg       = "van_jobareas_mat"
	TableElevationAgg     = "van_elev_mat"
	TableProjectViewAgg   = "van_pv_mat"
	TableUsageSummary     = "van_material_usage_summary"
	TableUnused           = "van_unused_materials"
	TableDuplicates       = "van_duplicate_materials"
	TableRebuildRuns      = "van_rebuild_runs"
	TableLeases           = "van_leases"
)

type columnKind int

const (
	kindInt columnKind = iota
	kindTime
	kindBool
	kindText
	kindVarchar
)

type columnDef struct {
	name    string
	kind    columnKind
	size    int
	notNull bool
	def     string
}

type tableDef struct {
	name       string
	columns    []columnDef
	primaryKey []string
	indexes    [][]string
}

func edgeTableDef(name, entityColumn string) tableDef {
	return tableDef{
		name: name,
		columns: []columnDef{
			{name: entityColumn, kind: kindInt, notNull: true},
			{name: "material_id", kind: kindInt, notNull: true},
			{name: "modified", kind: kindTime},
		},
		indexes: [][]string{{"material_id"}, {entityColumn}},
	}
}

func aggregateTableDef(name string) tableDef {
	return tableDef{
		name: name,
		columns: []columnDef{
			{name: "material_id", kind: kindInt, notNull: true},
			{name: "cnt", kind: kindInt, notNull: true},
			{name: "last_dt", kind: kindTime},
		},
		primaryKey: []string{"material_id"},
		indexes:    [][]string{{"last_dt"}},
	}
}

var (
	summaryTableDef = tableDef{
		name: TableUsageSummary,
		columns: []columnDef{
			{name: "material_id", kind: kindInt, notNull: true},
			{name: "used_job_areas", kind: kindInt, notNull: true},
			{name: "used_elevations", kind: kindInt, notNull: true},
			{name: "used_project_views", kind: kindInt, notNull: true},
			{name: "total_uses", kind: kindInt, notNull: true},
			{name: "last_used", kind: kindTime},
		},
		primaryKey: []string{"material_id"},
		indexes:    [][]string{{"total_uses"}, {"last_used"}},
	}

	unusedTableDef = tableDef{
		name: TableUnused,
		columns: []columnDef{
			{name: "material_id", kind: kindInt, notNull: true},
			{name: "last_used", kind: kindTime},
			{name: "snapshot_at", kind: kindTime, notNull: true},
			{name: "reason_all_unused", kind: kindBool, notNull: true, def: "1"},
		},
		primaryKey: []string{"material_id"},
		indexes:    [][]string{{"snapshot_at"}},
	}

	duplicatesTableDef = tableDef{
		name: TableDuplicates,
		columns: []columnDef{
			{name: "key_type", kind: kindVarchar, size: 80, notNull: true},
			{name: "group_hash", kind: kindVarchar, size: 32, notNull: true},
			{name: "group_size", kind: kindInt, notNull: true},
			{name: "material_id", kind: kindInt, notNull: true},
			{name: "snapshot_at", kind: kindTime, notNull: true},
		},
		primaryKey: []string{"key_type", "group_hash", "material_id"},
		indexes:    [][]string{{"group_hash"}, {"material_id"}},
	}

	rebuildRunsTableDef = tableDef{
		name: TableRebuildRuns,
		columns: []columnDef{
			{name: "run_id", kind: kindVarchar, size: 64, notNull: true},
			{name: "stages", kind: kindVarchar, size: 255, notNull: true},
			{name: "status", kind: kindVarchar, size: 16, notNull: true},
			{name: "error", kind: kindText},
			{name: "stats", kind: kindText},
			{name: "started_at", kind: kindTime, notNull: true},
			{name: "finished_at", kind: kindTime},
		},
		primaryKey: []string{"run_id"},
		indexes:    [][]string{{"started_at"}},
	}

	leasesTableDef = tableDef{
		name: TableLeases,
		columns: []columnDef{
			{name: "name", kind: kindVarchar, size: 128, notNull: true},
			{name: "holder_id", kind: kindVarchar, size: 255, notNull: true},
			{name: "expires_at", kind: kindTime, notNull: true},
			{name: "version", kind: kindInt, notNull: true, def: "1"},
			{name: "epoch", kind: kindInt, notNull: true, def: "1"},
		},
		primaryKey: []string{"name"},
	}
)

// createStatements renders idempotent DDL for one table. MySQL has no
// CREATE INDEX IF NOT EXISTS, so its indexes are declared inline.
func (d Dialect) createStatements(t tableDef) []string {
	var cols []string
	for _, c := range t.columns {
		typ := d.columnType(c.kind)
		if c.kind == kindVarchar {
			typ = d.varchar(c.size)
		}
		col := c.name + " " + typ
		if c.notNull {
			col += " NOT NULL"
		}
		if c.def != "" {
			col += " DEFAULT " + c.def
		}
		cols = append(cols, col)
	}
	if len(t.primaryKey) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.primaryKey, ", ")))
	}
	if d == DialectMySQL {
		for _, idx := range t.indexes {
			cols = append(cols, fmt.Sprintf("KEY %s (%s)", indexName(t.name, idx), strings.Join(idx, ", ")))
		}
	}

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(cols, ",\n\t"))
	if d == DialectMySQL {
		create += " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	stmts := []string{create}
	if d != DialectMySQL {
		for _, idx := range t.indexes {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				indexName(t.name, idx), t.name, strings.Join(idx, ", ")))
		}
	}
	return stmts
}

func indexName(table string, cols []string) string {
	return "idx_" + table + "_" + strings.Join(cols, "_")
}

// outputTables lists the engine-owned tables for the given capabilities, in creation order.
func outputTables(caps Capabilities) []tableDef {
	tables := []tableDef{edgeTableDef(TableElevationEdges, "elevation_id")}
	if caps.ProjectViews {
		tables = append(tables, edgeTableDef(TableProjectViewEdges, "project_view_id"))
	}
	tables = append(tables, aggregateTableDef(TableJobAreaAgg), aggregateTableDef(TableElevationAgg))
	if caps.ProjectViews {
		tables = append(tables, aggregateTableDef(TableProjectViewAgg))
	}
	return append(tables, summaryTableDef, unusedTableDef, duplicatesTableDef)
}

// EnsureOutputTables creates every output table that is missing. Project-view tables are
// only created when the optional source exists.
func (s *Store) EnsureOutputTables(ctx context.Context, caps Capabilities) error {
	for _, t := range outputTables(caps) {
		if err := s.createTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createTable(ctx context.Context, t tableDef) error {
	for _, stmt := range s.dialect.createStatements(t) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", t.name, err)
		}
	}
	return nil
}

// HasTable reports whether a table exists in the current schema.
func (s *Store) HasTable(ctx context.Context, table string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.tableExistsQuery(), table).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to probe table %s: %w", table, err)
	}
	return n > 0, nil
}

// HasColumn reports whether table.column exists. A missing table reports false.
func (s *Store) HasColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.columnExistsQuery(), table, column).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to probe column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// RequiredSourceColumns are the external columns a rebuild cannot run without.
var RequiredSourceColumns = []SourceColumn{
	{Table: "materials", Column: "id"},
	{Table: "materials", Column: "title"},
	{Table: "materials", Column: "modified"},
	{Table: "materials", Column: "material_brand_id"},
	{Table: "materials", Column: "material_brand_style_id"},
	{Table: "materials", Column: "material_category_id"},
	{Table: "material_brands", Column: "title"},
	{Table: "material_brand_styles", Column: "title"},
	{Table: "material_categories", Column: "title"},
	{Table: "tmp_project_elevations", Column: "id"},
	{Table: "tmp_project_elevations", Column: "modified"},
	{Table: "tmp_project_elevations", Column: "existing_material_ids"},
	{Table: "job_area_materials", Column: "id"},
	{Table: "job_area_materials", Column: "material_option_id"},
	{Table: "job_area_materials", Column: "updated"},
	{Table: "material_options", Column: "id"},
	{Table: "material_options", Column: "material_id"},
}

// ProjectViewListColumn is the optional source column gating the project-view tables.
var ProjectViewListColumn = SourceColumn{Table: "project_views", Column: "existing_material_ids"}

// MissingColumns returns the subset of cols absent from the schema.
func (s *Store) MissingColumns(ctx context.Context, cols []SourceColumn) ([]SourceColumn, error) {
	var missing []SourceColumn
	for _, c := range cols {
		ok, err := s.HasColumn(ctx, c.Table, c.Column)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, c)
		}
	}
	return missing, nil
}
