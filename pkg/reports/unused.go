package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// UnusedReport generates CSV reports of the unused snapshot.
type UnusedReport struct {
	store ReportStore
}

// NewUnusedReport creates a new UnusedReport generator.
func NewUnusedReport(s ReportStore) *UnusedReport {
	return &UnusedReport{store: s}
}

// Generate writes the whole snapshot. With End set, only materials last used
// before End are kept ("unused since").
func (r *UnusedReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"material_id", "last_used", "snapshot_at", "reason_all_unused"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	rows, err := r.store.ListUnused(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query unused materials: %w", err)
	}

	for _, row := range rows {
		if !inRange(row.LastUsed, params) {
			continue
		}
		record := []string{
			strconv.FormatInt(row.MaterialID, 10),
			formatLastUsed(row.LastUsed),
			row.SnapshotAt.UTC().Format(time.RFC3339),
			strconv.FormatBool(row.ReasonAllUnused),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}
	return buf, nil
}
