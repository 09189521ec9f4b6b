package engine

import (
	"time"

	"github.com/rmax-ai/matlens/pkg/logger"
)

// Stage names a rebuild stage.
type Stage string

const (
	StageExtract    Stage = "extract"
	StageSummary    Stage = "summary"
	StageUnused     Stage = "unused"
	StageDuplicates Stage = "duplicates"
)

// CanonicalStages is the dependency order every rebuild follows.
var CanonicalStages = []Stage{StageExtract, StageSummary, StageUnused, StageDuplicates}

// StageResult reports what one stage did.
type StageResult struct {
	Stage      Stage `json:"stage"`
	Chunks     int64 `json:"chunks"`
	Rows       int64 `json:"rows"`
	DurationMS int64 `json:"duration_ms"`
}

// stageTimer records a stage's duration metric and finish log line.
type stageTimer struct {
	stage Stage
	start time.Time
	log   *logger.Logger
}

func startStage(log *logger.Logger, stage Stage) *stageTimer {
	log.Info("stage started", "stage", stage)
	return &stageTimer{stage: stage, start: time.Now(), log: log}
}

func (t *stageTimer) finish(chunks, rows int64) StageResult {
	elapsed := time.Since(t.start)
	MatlensStageDuration.WithLabelValues(string(t.stage)).Observe(elapsed.Seconds())
	res := StageResult{Stage: t.stage, Chunks: chunks, Rows: rows, DurationMS: elapsed.Milliseconds()}
	t.log.Info("stage finished", "stage", t.stage, "chunks", chunks, "rows", rows, "duration_ms", res.DurationMS)
	return res
}
