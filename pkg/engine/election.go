package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

// SchedulerLeaseName is held by the daemon allowed to run scheduled rebuilds.
const SchedulerLeaseName = "scheduler"

// Leadership elects one scheduler among daemons sharing a lease store. Only the
// leader's RebuildWorker fires; on-demand rebuilds are guarded by the rebuild
// lease regardless of leadership.
type Leadership struct {
	leases   store.LeaseStore
	holderID string
	ttl      time.Duration
	log      *logger.Logger

	mu       sync.RWMutex
	isLeader bool
	started  bool
	stopped  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewLeadership(leases store.LeaseStore, holderID string, ttl time.Duration, log *logger.Logger) *Leadership {
	return &Leadership{
		leases:   leases,
		holderID: holderID,
		ttl:      ttl,
		log:      log.With("holder_id", holderID),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start campaigns immediately and then every half ttl until Stop or ctx is done.
// Only the first call before Stop has any effect.
func (l *Leadership) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		l.campaign(ctx)
		for {
			select {
			case <-ticker.C:
				l.campaign(ctx)
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	l.log.Info("scheduler election started")
}

// Stop ends the campaign and hands the lease back if held. It returns at once
// when Start was never called.
func (l *Leadership) Stop(ctx context.Context) {
	l.mu.Lock()
	started := l.started
	l.stopped = true
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stopCh) })
	if !started {
		return
	}
	<-l.done

	l.mu.Lock()
	wasLeader := l.isLeader
	l.isLeader = false
	l.mu.Unlock()
	if wasLeader {
		if err := l.leases.Release(ctx, SchedulerLeaseName, l.holderID); err != nil {
			l.log.Error("failed to release scheduler lease", "error", err)
		}
	}
	l.log.Info("scheduler election stopped")
}

func (l *Leadership) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *Leadership) campaign(ctx context.Context) {
	wasLeader := l.IsLeader()

	var leader bool
	if wasLeader {
		if err := l.leases.Renew(ctx, SchedulerLeaseName, l.holderID, l.ttl); err != nil {
			l.log.Warn("failed to renew scheduler lease", "error", err)
		} else {
			leader = true
		}
	} else {
		ok, err := l.leases.Acquire(ctx, SchedulerLeaseName, l.holderID, l.ttl)
		if err != nil {
			l.log.Warn("failed to acquire scheduler lease", "error", err)
		}
		leader = ok && err == nil
	}

	l.mu.Lock()
	l.isLeader = leader
	l.mu.Unlock()

	switch {
	case !wasLeader && leader:
		l.log.Info("promoted to scheduler leader")
	case wasLeader && !leader:
		l.log.Info("demoted from scheduler leader")
	}
}
