package reports

import (
	"context"
	"io"
	"time"

	"github.com/rmax-ai/matlens/pkg/store"
)

type ReportType string

const (
	ReportTypeUsage      ReportType = "usage"
	ReportTypeUnused     ReportType = "unused"
	ReportTypeDuplicates ReportType = "duplicates"
)

// ReportParams narrows a report. Start/End bound last_used when set; Filters carries
// report specific keys ("ids" []int64 for usage, "key_type" string for duplicates).
type ReportParams struct {
	Start   time.Time
	End     time.Time
	Filters map[string]interface{}
}

// ReportStore defines the interface for data access required by reports.
type ReportStore interface {
	GetUsageSummaries(ctx context.Context, ids []int64) ([]store.UsageSummary, error)
	ListUnused(ctx context.Context, limit, offset int) ([]store.UnusedMaterial, error)
	ListDuplicateMembers(ctx context.Context) ([]store.DuplicateMember, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}

func inRange(t time.Time, params ReportParams) bool {
	if !params.Start.IsZero() && t.Before(params.Start) {
		return false
	}
	if !params.End.IsZero() && t.After(params.End) {
		return false
	}
	return true
}

// formatLastUsed renders the sentinel as an empty cell.
func formatLastUsed(t time.Time) string {
	if t.IsZero() || t.Equal(store.Sentinel) {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
