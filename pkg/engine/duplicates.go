package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// keyDelimiter joins key components; it is not expected inside titles.
const keyDelimiter = "|"

// KeyStrategy is one normalized-key duplicate strategy, coarse to fine.
type KeyStrategy struct {
	Name       string
	components func(k store.MaterialKey) []string
}

// KeyStrategies are emitted in this order.
var KeyStrategies = []KeyStrategy{
	{Name: "title", components: func(k store.MaterialKey) []string {
		return []string{k.Title}
	}},
	{Name: "title_brand", components: func(k store.MaterialKey) []string {
		return []string{k.Title, k.Brand}
	}},
	{Name: "title_brand_style", components: func(k store.MaterialKey) []string {
		return []string{k.Title, k.Brand, k.Style}
	}},
	{Name: "title_brand_style_category", components: func(k store.MaterialKey) []string {
		return []string{k.Title, k.Brand, k.Style, k.Category}
	}},
}

// NormalizedKey lower-cases and trims every component and joins them.
func (s KeyStrategy) NormalizedKey(k store.MaterialKey) string {
	parts := s.components(k)
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, keyDelimiter)
}

// KeyHash is the 16 hex digit xxhash64 of a normalized key. Equal hashes are
// treated as duplicates.
func KeyHash(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// duplicateBuckets maps strategy name -> hash -> member ids.
type duplicateBuckets struct {
	mu      sync.Mutex
	buckets map[string]map[string][]int64
}

func newDuplicateBuckets() *duplicateBuckets {
	b := &duplicateBuckets{buckets: make(map[string]map[string][]int64, len(KeyStrategies))}
	for _, s := range KeyStrategies {
		b.buckets[s.Name] = make(map[string][]int64)
	}
	return b
}

// add hashes every key under every strategy. Blank components still hash, so
// blank titles group like any other title.
func (b *duplicateBuckets) add(keys []store.MaterialKey) {
	type entry struct {
		strategy, hash string
		id             int64
	}
	entries := make([]entry, 0, len(keys)*len(KeyStrategies))
	for _, k := range keys {
		for _, s := range KeyStrategies {
			entries = append(entries, entry{s.Name, KeyHash(s.NormalizedKey(k)), k.ID})
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.buckets[e.strategy][e.hash] = append(b.buckets[e.strategy][e.hash], e.id)
	}
}

// members returns the rows for every bucket of strategy with more than one
// member, sorted by hash then material id.
func (b *duplicateBuckets) members(strategy string, snapshotAt time.Time) []store.DuplicateMember {
	b.mu.Lock()
	defer b.mu.Unlock()

	hashes := make([]string, 0)
	for h, ids := range b.buckets[strategy] {
		if len(ids) > 1 {
			hashes = append(hashes, h)
		}
	}
	slices.Sort(hashes)

	var out []store.DuplicateMember
	for _, h := range hashes {
		ids := b.buckets[strategy][h]
		slices.SortFunc(ids, cmp.Compare[int64])
		for _, id := range ids {
			out = append(out, store.DuplicateMember{
				KeyType:    strategy,
				GroupHash:  h,
				GroupSize:  len(ids),
				MaterialID: id,
				SnapshotAt: snapshotAt,
			})
		}
	}
	return out
}

// DuplicateDetector rebuilds van_duplicate_materials.
type DuplicateDetector struct {
	store *store.Store
	cfg   Config
	now   func() time.Time
	log   *logger.Logger
}

func NewDuplicateDetector(st *store.Store, cfg Config, log *logger.Logger) *DuplicateDetector {
	return &DuplicateDetector{store: st, cfg: cfg.withDefaults(), now: time.Now, log: log}
}

// Run truncates the table once, scans the catalog in chunks, then appends the
// groups of each strategy in turn.
func (d *DuplicateDetector) Run(ctx context.Context) (StageResult, error) {
	timer := startStage(d.log, StageDuplicates)
	snapshotAt := d.now().UTC()

	if err := d.store.TruncateDuplicates(ctx); err != nil {
		return StageResult{}, fmt.Errorf("duplicates: %w", err)
	}
	for _, s := range KeyStrategies {
		MatlensDuplicateGroups.WithLabelValues(s.Name).Set(0)
	}

	lo, hi, ok, err := d.store.CatalogBounds(ctx)
	if err != nil {
		return StageResult{}, fmt.Errorf("duplicates: %w", err)
	}
	if !ok {
		return timer.finish(0, 0), nil
	}

	buckets := newDuplicateBuckets()
	err = runChunks(ctx, string(StageDuplicates), d.cfg.Workers, PlanChunks(lo, hi, d.cfg.ChunkSize), func(ctx context.Context, c Chunk) error {
		keys, err := d.store.FetchMaterialKeys(ctx, c.Lo, c.Hi)
		if err != nil {
			return err
		}
		buckets.add(keys)
		return nil
	})
	if err != nil {
		return StageResult{}, fmt.Errorf("duplicates: %w", err)
	}

	var rows int64
	for _, s := range KeyStrategies {
		members := buckets.members(s.Name, snapshotAt)
		groups := 0
		for i := range members {
			if i == 0 || members[i].GroupHash != members[i-1].GroupHash {
				groups++
			}
		}
		for batch := range slices.Chunk(members, int(d.cfg.ChunkSize)) {
			n, err := d.store.InsertDuplicateMembers(ctx, batch)
			if err != nil {
				return StageResult{}, fmt.Errorf("duplicates: %s: %w", s.Name, err)
			}
			rows += n
		}
		MatlensDuplicateGroups.WithLabelValues(s.Name).Set(float64(groups))
		d.log.Debug("duplicate strategy written", "key_type", s.Name, "groups", groups, "members", len(members))
	}
	MatlensRowsWrittenTotal.WithLabelValues(store.TableDuplicates).Add(float64(rows))

	return timer.finish(CountChunks(lo, hi, d.cfg.ChunkSize), rows), nil
}
