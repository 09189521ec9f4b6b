package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rmax-ai/matlens/pkg/blob"
	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/reports"
)

const archivePrefix = "unused"

// SnapshotArchiver keeps gzip CSV copies of recent unused snapshots in a blob store.
type SnapshotArchiver struct {
	blobStore blob.BlobStore
	report    reports.Generator
	keep      int
	log       *logger.Logger
}

// NewSnapshotArchiver archives the unused report built from rs, retaining the
// newest keep archives.
func NewSnapshotArchiver(blobStore blob.BlobStore, rs reports.ReportStore, keep int, log *logger.Logger) *SnapshotArchiver {
	return &SnapshotArchiver{
		blobStore: blobStore,
		report:    reports.NewUnusedReport(rs),
		keep:      max(keep, 1),
		log:       log,
	}
}

// Archive writes the current snapshot and prunes old archives. It returns the new key.
func (a *SnapshotArchiver) Archive(ctx context.Context, snapshotAt time.Time) (string, error) {
	csvReader, err := a.report.Generate(ctx, reports.ReportParams{})
	if err != nil {
		return "", fmt.Errorf("failed to render unused report: %w", err)
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzWriter, csvReader); err != nil {
		gzWriter.Close()
		return "", fmt.Errorf("failed to compress unused report: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to close gzip writer: %w", err)
	}

	// unused/YYYY/MM/DD/<unix>_<uuid>.csv.gz
	at := snapshotAt.UTC()
	year, month, day := at.Date()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%d_%s.csv.gz", archivePrefix, year, month, day, at.Unix(), uuid.New().String())

	if err := a.blobStore.Put(ctx, key, &buf); err != nil {
		return "", fmt.Errorf("failed to upload archive to blob store: %w", err)
	}

	if err := a.prune(ctx); err != nil {
		a.log.Warn("failed to prune snapshot archives", "error", err)
	}
	return key, nil
}

// prune deletes all but the newest keep archives. Keys sort chronologically.
func (a *SnapshotArchiver) prune(ctx context.Context) error {
	keys, err := a.blobStore.List(ctx, archivePrefix)
	if err != nil {
		return err
	}
	if len(keys) <= a.keep {
		return nil
	}
	for _, key := range keys[:len(keys)-a.keep] {
		if err := a.blobStore.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Archives lists the retained archive keys, oldest first.
func (a *SnapshotArchiver) Archives(ctx context.Context) ([]string, error) {
	return a.blobStore.List(ctx, archivePrefix)
}
