package api

import (
	"github.com/rmax-ai/matlens/pkg/engine"
	"github.com/rmax-ai/matlens/pkg/store"
)

// RebuildRequest matches the optional POST /v1/rebuild body
type RebuildRequest struct {
	Stages []string `json:"stages,omitempty"` // empty means every stage
}

// RebuildResponse matches the 202 response for POST /v1/rebuild
type RebuildResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// UsageResponse matches GET /v1/usage. Unknown ids are absent from Usage.
type UsageResponse struct {
	Usage map[int64]engine.MaterialUsage `json:"usage"`
}

// UnusedResponse matches GET /v1/unused
type UnusedResponse struct {
	Items  []store.UnusedMaterial `json:"items"`
	Total  int64                  `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// DuplicateTypesResponse matches GET /v1/duplicates/types
type DuplicateTypesResponse struct {
	KeyTypes []string `json:"key_types"`
}

// DuplicatesResponse matches GET /v1/duplicates
type DuplicatesResponse struct {
	KeyType string                 `json:"key_type"`
	Groups  []store.DuplicateGroup `json:"groups"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}
