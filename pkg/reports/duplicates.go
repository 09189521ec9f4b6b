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

// DuplicatesReport generates CSV reports of duplicate group membership.
type DuplicatesReport struct {
	store ReportStore
}

// NewDuplicatesReport creates a new DuplicatesReport generator.
func NewDuplicatesReport(s ReportStore) *DuplicatesReport {
	return &DuplicatesReport{store: s}
}

// Generate writes one row per member, optionally restricted to Filters["key_type"].
func (r *DuplicatesReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"key_type", "group_hash", "group_size", "material_id", "snapshot_at"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	members, err := r.store.ListDuplicateMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate members: %w", err)
	}

	keyType, _ := params.Filters["key_type"].(string)
	for _, m := range members {
		if keyType != "" && m.KeyType != keyType {
			continue
		}
		record := []string{
			m.KeyType,
			m.GroupHash,
			strconv.Itoa(m.GroupSize),
			strconv.FormatInt(m.MaterialID, 10),
			m.SnapshotAt.UTC().Format(time.RFC3339),
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
