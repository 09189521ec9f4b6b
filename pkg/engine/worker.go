package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rmax-ai/matlens/pkg/logger"
)

// RebuildWorker triggers full rebuilds on a fixed interval.
type RebuildWorker struct {
	rebuilder *Rebuilder
	log       *logger.Logger
	leader    func() bool
	mu        sync.RWMutex
	interval  time.Duration
}

func NewRebuildWorker(r *Rebuilder, interval time.Duration, log *logger.Logger) *RebuildWorker {
	return &RebuildWorker{rebuilder: r, interval: interval, log: log}
}

// SetLeaderFunc gates each tick; ticks fire only while leader returns true.
func (w *RebuildWorker) SetLeaderFunc(leader func() bool) {
	w.leader = leader
}

// UpdateInterval takes effect on the next Run.
func (w *RebuildWorker) UpdateInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interval = d
}

// Run blocks until ctx is done. A zero interval disables scheduling.
func (w *RebuildWorker) Run(ctx context.Context) {
	w.mu.RLock()
	interval := w.interval
	w.mu.RUnlock()

	if interval <= 0 {
		w.log.Info("scheduled rebuilds disabled")
		return
	}

	w.log.Info("starting rebuild worker", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("rebuild worker stopping")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *RebuildWorker) tick(ctx context.Context) {
	if w.leader != nil && !w.leader() {
		w.log.Debug("scheduled rebuild skipped", "reason", "not scheduler leader")
		return
	}
	_, err := w.rebuilder.Rebuild(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRebuildInProgress):
		// Another process or an on-demand rebuild is already refreshing the tables.
		w.log.Info("scheduled rebuild skipped", "reason", err)
	default:
		w.log.Error("scheduled rebuild failed", "error", err)
	}
}
