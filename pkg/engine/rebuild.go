package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// RebuildLeaseName is the lease every rebuild holds.
const RebuildLeaseName = "rebuild"

var (
	// ErrRebuildInProgress is returned when this or another process is rebuilding.
	ErrRebuildInProgress = errors.New("rebuild already in progress")
	// ErrSchema is returned before any mutation when required source tables or
	// columns are missing.
	ErrSchema = errors.New("required source schema missing")
	// ErrUnknownStage is returned for a stage name outside CanonicalStages.
	ErrUnknownStage = errors.New("unknown stage")
)

// ParseStages validates names and returns them in canonical order without
// repeats. No names means every stage.
func ParseStages(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return slices.Clone(CanonicalStages), nil
	}
	want := make(map[Stage]bool, len(names))
	for _, n := range names {
		s := Stage(strings.ToLower(strings.TrimSpace(n)))
		if !slices.Contains(CanonicalStages, s) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, n)
		}
		want[s] = true
	}
	var out []Stage
	for _, s := range CanonicalStages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// RebuildReport describes one finished rebuild.
type RebuildReport struct {
	RunID        string             `json:"run_id"`
	Stages       []StageResult      `json:"stages"`
	Capabilities store.Capabilities `json:"capabilities"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// Option configures a Rebuilder.
type Option func(*Rebuilder)

// WithLeaseStore replaces the store's own lease table, e.g. with Redis.
func WithLeaseStore(ls store.LeaseStore) Option {
	return func(r *Rebuilder) { r.leases = ls }
}

// WithCache invalidates cache after every rebuild.
func WithCache(cache SummaryCache) Option {
	return func(r *Rebuilder) { r.cache = cache }
}

// WithArchiver archives each unused snapshot.
func WithArchiver(a *SnapshotArchiver) Option {
	return func(r *Rebuilder) { r.unused.archiver = a }
}

// WithClock replaces time.Now for run and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Rebuilder) {
		r.now = now
		r.unused.now = now
		r.duplicates.now = now
	}
}

// WithHolderID sets the lease holder identity. Defaults to a random uuid.
func WithHolderID(id string) Option {
	return func(r *Rebuilder) { r.holderID = id }
}

// Rebuilder runs the rebuild stages in dependency order, at most one rebuild at
// a time per lease.
type Rebuilder struct {
	store    *store.Store
	leases   store.LeaseStore
	cache    SummaryCache
	cfg      Config
	log      *logger.Logger
	holderID string
	now      func() time.Time

	extractor  *Extractor
	summary    *SummaryBuilder
	unused     *UnusedBuilder
	duplicates *DuplicateDetector

	mu      sync.Mutex // held for the whole rebuild
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRebuilder(st *store.Store, cfg Config, log *logger.Logger, opts ...Option) *Rebuilder {
	cfg = cfg.withDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Rebuilder{
		store:      st,
		leases:     st,
		cfg:        cfg,
		log:        log,
		holderID:   uuid.New().String(),
		now:        time.Now,
		extractor:  NewExtractor(st, cfg, log),
		summary:    NewSummaryBuilder(st, cfg, log),
		unused:     NewUnusedBuilder(st, log),
		duplicates: NewDuplicateDetector(st, cfg, log),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pendingRun struct {
	id     string
	stages []Stage
	caps   store.Capabilities
	start  time.Time
	log    *logger.Logger
}

// Rebuild runs the requested stages (all when none are given) and waits for them.
func (r *Rebuilder) Rebuild(ctx context.Context, stages ...string) (*RebuildReport, error) {
	run, err := r.begin(ctx, stages)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run)
}

// Start begins a rebuild in the background and returns its run id once the lease
// is held. Its progress is visible through the store's run records.
func (r *Rebuilder) Start(ctx context.Context, stages ...string) (string, error) {
	run, err := r.begin(ctx, stages)
	if err != nil {
		return "", err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.execute(r.baseCtx, run); err != nil {
			run.log.Error("rebuild failed", "error", err)
		}
	}()
	return run.id, nil
}

// Shutdown cancels background rebuilds and waits for them, or for ctx.
func (r *Rebuilder) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin takes the in-process guard and the lease, probes the source schema and
// records the run. A schema failure returns before anything is written. On
// success the guard and lease are released by execute.
func (r *Rebuilder) begin(ctx context.Context, names []string) (*pendingRun, error) {
	stages, err := ParseStages(names)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		return nil, ErrRebuildInProgress
	}

	acquired, err := r.leases.Acquire(ctx, RebuildLeaseName, r.holderID, r.cfg.LeaseTTL)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire rebuild lease: %w", err)
	}
	if !acquired {
		r.mu.Unlock()
		return nil, ErrRebuildInProgress
	}

	run := &pendingRun{id: uuid.New().String(), stages: stages, start: r.now().UTC()}
	run.log = r.log.With("run_id", run.id)
	if run.caps, err = r.probe(ctx); err != nil {
		r.release(run)
		return nil, err
	}
	names = make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	if err := r.store.StartRun(ctx, run.id, names, run.start); err != nil {
		r.release(run)
		return nil, err
	}
	return run, nil
}

func (r *Rebuilder) release(run *pendingRun) {
	// The caller's context may already be cancelled; releasing must still happen.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.leases.Release(ctx, RebuildLeaseName, r.holderID); err != nil {
		run.log.Warn("failed to release rebuild lease", "error", err)
	}
	r.mu.Unlock()
}

func (r *Rebuilder) execute(ctx context.Context, run *pendingRun) (*RebuildReport, error) {
	defer r.release(run)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go r.keepLease(ctx, cancel, run)

	run.log.Info("rebuild started", "stages", run.stages)
	report := &RebuildReport{RunID: run.id, StartedAt: run.start}
	results, err := r.runStages(ctx, run.caps, run.stages)
	if cause := context.Cause(ctx); err != nil && cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w (%v)", err, cause)
	}
	report.Stages = results
	report.Capabilities = run.caps
	report.FinishedAt = r.now().UTC()

	status, errText := store.RunSucceeded, ""
	if err != nil {
		status, errText = store.RunFailed, err.Error()
	}
	stats, _ := json.Marshal(report)

	// Bookkeeping must land even when the rebuild was cancelled.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()
	if ferr := r.store.FinishRun(finishCtx, run.id, status, errText, string(stats), report.FinishedAt); ferr != nil {
		run.log.Error("failed to record run outcome", "error", ferr)
	}
	if r.cache != nil {
		if cerr := r.cache.Invalidate(finishCtx); cerr != nil {
			run.log.Warn("failed to invalidate summary cache", "error", cerr)
		}
	}

	MatlensRebuildsTotal.WithLabelValues(status).Inc()
	if err != nil {
		run.log.Error("rebuild failed", "error", err, "duration_ms", report.FinishedAt.Sub(run.start).Milliseconds())
		return report, err
	}
	MatlensLastSuccess.Set(float64(report.FinishedAt.Unix()))
	run.log.Info("rebuild finished", "duration_ms", report.FinishedAt.Sub(run.start).Milliseconds())
	return report, nil
}

// keepLease renews the lease every third of its ttl and cancels the rebuild if
// the lease is lost.
func (r *Rebuilder) keepLease(ctx context.Context, cancel context.CancelCauseFunc, run *pendingRun) {
	ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.leases.Renew(ctx, RebuildLeaseName, r.holderID, r.cfg.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				run.log.Error("rebuild lease lost", "error", err)
				cancel(fmt.Errorf("rebuild lease lost: %w", err))
				return
			}
		}
	}
}

// probe resolves capabilities and fails with ErrSchema when required columns
// are missing.
func (r *Rebuilder) probe(ctx context.Context) (store.Capabilities, error) {
	missing, err := r.store.MissingColumns(ctx, store.RequiredSourceColumns)
	if err != nil {
		return store.Capabilities{}, err
	}
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = m.String()
		}
		return store.Capabilities{}, fmt.Errorf("%w: %s", ErrSchema, strings.Join(names, ", "))
	}
	pv, err := r.store.HasColumn(ctx, store.ProjectViewListColumn.Table, store.ProjectViewListColumn.Column)
	if err != nil {
		return store.Capabilities{}, err
	}
	return store.Capabilities{ProjectViews: pv}, nil
}

func (r *Rebuilder) runStages(ctx context.Context, caps store.Capabilities, stages []Stage) ([]StageResult, error) {
	if err := r.store.EnsureOutputTables(ctx, caps); err != nil {
		return nil, err
	}

	chain := slices.DeleteFunc(slices.Clone(stages), func(s Stage) bool { return s == StageDuplicates })
	withDuplicates := len(chain) < len(stages)

	if !withDuplicates || !r.cfg.ConcurrentDuplicates || len(chain) == 0 {
		return r.runChain(ctx, caps, stages)
	}

	// Duplicate detection reads only the catalog, so it can overlap the usage chain.
	var chainResults, dupResults []StageResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		chainResults, err = r.runChain(gctx, caps, chain)
		return err
	})
	g.Go(func() error {
		var err error
		dupResults, err = r.runChain(gctx, caps, []Stage{StageDuplicates})
		return err
	})
	err := g.Wait()
	return append(chainResults, dupResults...), err
}

func (r *Rebuilder) runChain(ctx context.Context, caps store.Capabilities, stages []Stage) ([]StageResult, error) {
	var results []StageResult
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		var res StageResult
		var err error
		switch s {
		case StageExtract:
			res, err = r.extractor.Run(ctx, caps)
		case StageSummary:
			res, err = r.summary.Run(ctx, caps)
		case StageUnused:
			res, err = r.unused.Run(ctx)
		case StageDuplicates:
			res, err = r.duplicates.Run(ctx)
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Status returns the latest recorded run, or nil before the first rebuild.
func (r *Rebuilder) Status(ctx context.Context) (*store.RebuildRun, error) {
	return r.store.LatestRun(ctx)
}
