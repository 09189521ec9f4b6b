package client

import (
	"fmt"
	"time"
)

// RebuildRun describes one rebuild as recorded by the daemon.
type RebuildRun struct {
	RunID      string     `json:"run_id"`
	Stages     []string   `json:"stages"`
	Status     string     `json:"status"` // running, succeeded, failed
	Error      string     `json:"error,omitempty"`
	Stats      string     `json:"stats,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the run has finished either way.
func (r RebuildRun) Done() bool {
	return r.Status != "" && r.Status != "running"
}

// MaterialUsage is one material's usage across all sources.
type MaterialUsage struct {
	JobAreas     int64     `json:"job_areas"`
	Elevations   int64     `json:"elevations"`
	ProjectViews int64     `json:"project_views"`
	Total        int64     `json:"total"`
	LastUsed     time.Time `json:"last_used"`
}

// UnusedMaterial is one row of the unused snapshot.
type UnusedMaterial struct {
	MaterialID      int64     `json:"material_id"`
	LastUsed        time.Time `json:"last_used"`
	SnapshotAt      time.Time `json:"snapshot_at"`
	ReasonAllUnused bool      `json:"reason_all_unused"`
}

// UnusedPage is a page of the unused snapshot.
type UnusedPage struct {
	Items  []UnusedMaterial `json:"items"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// DuplicateGroup lists the materials sharing one normalized key.
type DuplicateGroup struct {
	KeyType     string  `json:"key_type"`
	GroupHash   string  `json:"group_hash"`
	GroupSize   int     `json:"group_size"`
	MaterialIDs []int64 `json:"material_ids"`
}

// DuplicatePage is a page of groups for one key type.
type DuplicatePage struct {
	KeyType string           `json:"key_type"`
	Groups  []DuplicateGroup `json:"groups"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// Page selects a slice of a listing. Zero values use the daemon defaults.
type Page struct {
	Limit  int
	Offset int
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Code       string // the "error" field of the body, when present
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("matlens: %s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("matlens: unexpected status %d", e.StatusCode)
}

type usageResponse struct {
	Usage map[int64]MaterialUsage `json:"usage"`
}

type rebuildRequest struct {
	Stages []string `json:"stages,omitempty"`
}

type rebuildResponse struct {
	RunID string `json:"run_id"`
}

type duplicateTypesResponse struct {
	KeyTypes []string `json:"key_types"`
}
