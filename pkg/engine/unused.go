package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// UnusedBuilder captures materials with no recorded use into a timestamped snapshot.
type UnusedBuilder struct {
	store    *store.Store
	archiver *SnapshotArchiver
	now      func() time.Time
	log      *logger.Logger
}

func NewUnusedBuilder(st *store.Store, log *logger.Logger) *UnusedBuilder {
	return &UnusedBuilder{store: st, now: time.Now, log: log}
}

// Run replaces van_unused_materials from the current summary. It must run after
// the summary stage. A configured archiver receives the fresh snapshot; archive
// failures are logged and do not fail the stage.
func (u *UnusedBuilder) Run(ctx context.Context) (StageResult, error) {
	timer := startStage(u.log, StageUnused)

	snapshotAt := u.now().UTC()
	n, err := u.store.RebuildUnused(ctx, snapshotAt)
	if err != nil {
		return StageResult{}, fmt.Errorf("unused: %w", err)
	}
	MatlensRowsWrittenTotal.WithLabelValues(store.TableUnused).Add(float64(n))
	MatlensUnusedMaterials.Set(float64(n))

	if u.archiver != nil {
		if key, err := u.archiver.Archive(ctx, snapshotAt); err != nil {
			u.log.Warn("failed to archive unused snapshot", "error", err)
		} else {
			u.log.Info("archived unused snapshot", "key", key)
		}
	}
	return timer.finish(0, n), nil
}
