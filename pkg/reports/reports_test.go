package reports

import (
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/rmax-ai/matlens/pkg/store"
)

type mockReportStore struct {
	summaries []store.UsageSummary
	unused    []store.UnusedMaterial
	members   []store.DuplicateMember
}

func (m *mockReportStore) GetUsageSummaries(ctx context.Context, ids []int64) ([]store.UsageSummary, error) {
	if len(ids) == 0 {
		return m.summaries, nil
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.UsageSummary
	for _, s := range m.summaries {
		if want[s.MaterialID] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockReportStore) ListUnused(ctx context.Context, limit, offset int) ([]store.UnusedMaterial, error) {
	return m.unused, nil
}

func (m *mockReportStore) ListDuplicateMembers(ctx context.Context) ([]store.DuplicateMember, error) {
	return m.members, nil
}

func readAll(t *testing.T, g Generator, params ReportParams) [][]string {
	t.Helper()
	reader, err := g.Generate(context.Background(), params)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	records, err := csv.NewReader(reader).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}
	return records
}

func TestUsageReport(t *testing.T) {
	used := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &mockReportStore{summaries: []store.UsageSummary{
		{MaterialID: 1, UsedJobAreas: 1, UsedElevations: 2, TotalUses: 3, LastUsed: used},
		{MaterialID: 2, LastUsed: store.Sentinel},
	}}

	records := readAll(t, NewUsageReport(s), ReportParams{})
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[1][4] != "3" || records[1][5] != "2024-05-01T12:00:00Z" {
		t.Errorf("unexpected row: %v", records[1])
	}
	if records[2][5] != "" {
		t.Errorf("expected sentinel rendered empty, got %q", records[2][5])
	}

	records = readAll(t, NewUsageReport(s), ReportParams{Filters: map[string]interface{}{"ids": []int64{2}}})
	if len(records) != 2 || records[1][0] != "2" {
		t.Errorf("expected only material 2, got %v", records)
	}
}

func TestUnusedReport(t *testing.T) {
	snap := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &mockReportStore{unused: []store.UnusedMaterial{
		{MaterialID: 4, LastUsed: store.Sentinel, SnapshotAt: snap, ReasonAllUnused: true},
		{MaterialID: 5, LastUsed: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), SnapshotAt: snap, ReasonAllUnused: true},
	}}

	records := readAll(t, NewUnusedReport(s), ReportParams{})
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[1][3] != "true" || records[1][2] != "2024-06-01T00:00:00Z" {
		t.Errorf("unexpected row: %v", records[1])
	}

	records = readAll(t, NewUnusedReport(s), ReportParams{End: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	if len(records) != 2 || records[1][0] != "4" {
		t.Errorf("expected only material 4 unused since 2024, got %v", records)
	}
}

func TestDuplicatesReport(t *testing.T) {
	snap := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &mockReportStore{members: []store.DuplicateMember{
		{KeyType: "title", GroupHash: "aa", GroupSize: 2, MaterialID: 1, SnapshotAt: snap},
		{KeyType: "title", GroupHash: "aa", GroupSize: 2, MaterialID: 2, SnapshotAt: snap},
		{KeyType: "title_brand", GroupHash: "bb", GroupSize: 2, MaterialID: 1, SnapshotAt: snap},
	}}

	records := readAll(t, NewDuplicatesReport(s), ReportParams{Filters: map[string]interface{}{"key_type": "title"}})
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[2][3] != "2" || records[2][2] != "2" {
		t.Errorf("unexpected row: %v", records[2])
	}
}

func TestNewReportGenerator(t *testing.T) {
	s := &mockReportStore{}
	for _, rt := range []ReportType{ReportTypeUsage, ReportTypeUnused, ReportTypeDuplicates} {
		if _, err := NewReportGenerator(rt, s); err != nil {
			t.Errorf("NewReportGenerator(%s) failed: %v", rt, err)
		}
	}
	if _, err := NewReportGenerator("events", s); err == nil {
		t.Errorf("expected error for unknown report type")
	}
}
