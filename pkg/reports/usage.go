package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/rmax-ai/matlens/pkg/store"
)

// UsageReport generates CSV reports of the usage summary.
type UsageReport struct {
	store ReportStore
}

// NewUsageReport creates a new UsageReport generator.
func NewUsageReport(s ReportStore) *UsageReport {
	return &UsageReport{store: s}
}

// Generate writes one row per summary entry, optionally restricted to Filters["ids"].
func (r *UsageReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"material_id", "used_job_areas", "used_elevations", "used_project_views", "total_uses", "last_used"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	ids, _ := params.Filters["ids"].([]int64)
	rows, err := r.store.GetUsageSummaries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}

	for _, row := range rows {
		if !inRange(row.LastUsed, params) {
			continue
		}
		if err := writer.Write(usageRecord(row)); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}
	return buf, nil
}

func usageRecord(row store.UsageSummary) []string {
	return []string{
		strconv.FormatInt(row.MaterialID, 10),
		strconv.FormatInt(row.UsedJobAreas, 10),
		strconv.FormatInt(row.UsedElevations, 10),
		strconv.FormatInt(row.UsedProjectViews, 10),
		strconv.FormatInt(row.TotalUses, 10),
		formatLastUsed(row.LastUsed),
	}
}
