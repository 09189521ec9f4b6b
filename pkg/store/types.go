package store

import (
	"context"
	"database/sql"
	"time"
)

// Capabilities records which optional sources exist in the connected schema.
// It is resolved once per rebuild and passed to every stage.
type Capabilities struct {
	ProjectViews bool `json:"project_views"`
}

// SourceColumn names one external column the engine reads.
type SourceColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (c SourceColumn) String() string { return c.Table + "." + c.Column }

// EdgeSource identifies a list-bearing source table and the edge table exploded from it.
type EdgeSource string

const (
	SourceElevations   EdgeSource = "elevations"
	SourceProjectViews EdgeSource = "project_views"
)

// ListRow is one source row with its raw embedded id list.
type ListRow struct {
	ID       int64
	Modified sql.NullTime
	RawIDs   string
}

// UsageEdge is one (entity, material) occurrence extracted from a list.
type UsageEdge struct {
	EntityID   int64
	MaterialID int64
	Modified   sql.NullTime
}

// JobAreaUse is one job-area material row resolved to its catalog material.
type JobAreaUse struct {
	MaterialID int64
	Updated    sql.NullTime
}

// SourceAggregate is the per-source usage of one material.
type SourceAggregate struct {
	MaterialID int64        `json:"material_id"`
	Count      int64        `json:"cnt"`
	LastSeen   sql.NullTime `json:"-"`
}

// UsageSummary is one row of the merged usage summary.
type UsageSummary struct {
	MaterialID       int64     `json:"material_id"`
	UsedJobAreas     int64     `json:"used_job_areas"`
	UsedElevations   int64     `json:"used_elevations"`
	UsedProjectViews int64     `json:"used_project_views"`
	TotalUses        int64     `json:"total_uses"`
	LastUsed         time.Time `json:"last_used"`
}

// UnusedMaterial is one row of the unused snapshot.
type UnusedMaterial struct {
	MaterialID      int64     `json:"material_id"`
	LastUsed        time.Time `json:"last_used"`
	SnapshotAt      time.Time `json:"snapshot_at"`
	ReasonAllUnused bool      `json:"reason_all_unused"`
}

// DuplicateMember is one membership row of a duplicate group.
type DuplicateMember struct {
	KeyType    string    `json:"key_type"`
	GroupHash  string    `json:"group_hash"`
	GroupSize  int       `json:"group_size"`
	MaterialID int64     `json:"material_id"`
	SnapshotAt time.Time `json:"snapshot_at"`
}

// DuplicateGroup collapses the members sharing a hash under one key type.
type DuplicateGroup struct {
	KeyType     string  `json:"key_type"`
	GroupHash   string  `json:"group_hash"`
	GroupSize   int     `json:"group_size"`
	MaterialIDs []int64 `json:"material_ids"`
}

// MaterialKey carries the raw title components used for duplicate detection.
// Missing lookups come back as empty strings.
type MaterialKey struct {
	ID       int64
	Title    string
	Brand    string
	Style    string
	Category string
}

// Run statuses recorded in van_rebuild_runs.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RebuildRun is the freshness record of one orchestrator invocation.
type RebuildRun struct {
	RunID      string     `json:"run_id"`
	Stages     []string   `json:"stages"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Stats      string     `json:"stats,omitempty"` // JSON encoded per-stage results
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Lease represents a named lock held by one process until it expires.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // bumped on every acquire/renew
	Epoch     int64     `json:"epoch"`   // bumped when the holder changes
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns ErrLeaseLost if another holder owns it.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state, or nil when nobody holds it.
	Get(ctx context.Context, name string) (*Lease, error)
}

// Sentinel is the timestamp substituted for absent usage timestamps.
var Sentinel = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
