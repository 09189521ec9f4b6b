// Package storetest builds temporary SQLite stores seeded with the external
// catalog schema the engine reads from.
package storetest

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/matlens/pkg/store"
)

const sourceSchema = `
CREATE TABLE materials (
	id INTEGER PRIMARY KEY,
	title TEXT,
	material_brand_id INTEGER,
	material_brand_style_id INTEGER,
	material_category_id INTEGER,
	status INTEGER NOT NULL DEFAULT 1,
	modified DATETIME
);
CREATE TABLE material_brands (id INTEGER PRIMARY KEY, title TEXT);
CREATE TABLE material_brand_styles (id INTEGER PRIMARY KEY, title TEXT);
CREATE TABLE material_categories (id INTEGER PRIMARY KEY, title TEXT);
CREATE TABLE tmp_project_elevations (
	id INTEGER PRIMARY KEY,
	modified DATETIME,
	existing_material_ids TEXT
);
CREATE TABLE job_area_materials (
	id INTEGER PRIMARY KEY,
	material_option_id INTEGER,
	updated DATETIME
);
CREATE TABLE material_options (id INTEGER PRIMARY KEY, material_id INTEGER);
`

const projectViewSchema = `
CREATE TABLE project_views (
	id INTEGER PRIMARY KEY,
	modified DATETIME,
	existing_material_ids TEXT
);
`

// Fixture is a seeded store plus helpers to add source rows.
type Fixture struct {
	t     testing.TB
	Store *store.Store
	Path  string // database file, for opening a second connection
}

// Open creates a temp-file SQLite store with the source schema. projectViews controls
// whether the optional project_views table exists.
func Open(t testing.TB, projectViews bool) *Fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matlens.db")
	s, err := store.NewStore("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mustExec(t, s.DB(), sourceSchema)
	if projectViews {
		mustExec(t, s.DB(), projectViewSchema)
	}
	return &Fixture{t: t, Store: s, Path: path}
}

func mustExec(t testing.TB, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// Material describes one catalog row. Zero lookup ids mean NULL.
type Material struct {
	ID       int64
	Title    string
	BrandID  int64
	StyleID  int64
	Category int64
	Modified *time.Time
}

// AddMaterial inserts a catalog material.
func (f *Fixture) AddMaterial(m Material) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `
		INSERT INTO materials (id, title, material_brand_id, material_brand_style_id, material_category_id, modified)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, nullInt(m.BrandID), nullInt(m.StyleID), nullInt(m.Category), nullTime(m.Modified))
}

// AddMaterials inserts bare materials with the given ids.
func (f *Fixture) AddMaterials(ids ...int64) {
	f.t.Helper()
	for _, id := range ids {
		f.AddMaterial(Material{ID: id, Title: "material"})
	}
}

// AddBrand inserts a brand.
func (f *Fixture) AddBrand(id int64, title string) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO material_brands (id, title) VALUES (?, ?)`, id, title)
}

// AddStyle inserts a brand style.
func (f *Fixture) AddStyle(id int64, title string) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO material_brand_styles (id, title) VALUES (?, ?)`, id, title)
}

// AddCategory inserts a category.
func (f *Fixture) AddCategory(id int64, title string) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO material_categories (id, title) VALUES (?, ?)`, id, title)
}

// AddElevation inserts an elevation row with its raw list. A nil list stores NULL.
func (f *Fixture) AddElevation(id int64, modified *time.Time, list *string) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO tmp_project_elevations (id, modified, existing_material_ids) VALUES (?, ?, ?)`,
		id, nullTime(modified), list)
}

// AddProjectView inserts a project view row with its raw list.
func (f *Fixture) AddProjectView(id int64, modified *time.Time, list *string) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO project_views (id, modified, existing_material_ids) VALUES (?, ?, ?)`,
		id, nullTime(modified), list)
}

// AddOption maps an option to a material. materialID 0 stores NULL.
func (f *Fixture) AddOption(id, materialID int64) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO material_options (id, material_id) VALUES (?, ?)`, id, nullInt(materialID))
}

// AddJobArea inserts a job-area material row.
func (f *Fixture) AddJobArea(id, optionID int64, updated *time.Time) {
	f.t.Helper()
	mustExec(f.t, f.Store.DB(), `INSERT INTO job_area_materials (id, material_option_id, updated) VALUES (?, ?, ?)`,
		id, optionID, nullTime(updated))
}

// Str returns a pointer to s.
func Str(s string) *string { return &s }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
