package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rmax-ai/matlens/pkg/store"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestSummaryCache(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewSummaryCache(client, time.Minute)
	ctx := context.Background()

	rows := []store.UsageSummary{
		{MaterialID: 1, UsedJobAreas: 2, UsedElevations: 1, TotalUses: 3, LastUsed: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{MaterialID: 2, LastUsed: store.Sentinel},
	}

	t.Run("Put and Get", func(t *testing.T) {
		if err := cache.PutMany(ctx, rows); err != nil {
			t.Fatalf("PutMany failed: %v", err)
		}
		hits, err := cache.GetMany(ctx, []int64{1, 2, 3})
		if err != nil {
			t.Fatalf("GetMany failed: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if got := hits[1]; got.TotalUses != 3 || !got.LastUsed.Equal(rows[0].LastUsed) {
			t.Errorf("unexpected row: %+v", got)
		}
		if _, ok := hits[3]; ok {
			t.Errorf("unexpected hit for unknown id")
		}
	})

	t.Run("TTL expiry", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		hits, err := cache.GetMany(ctx, []int64{1, 2})
		if err != nil {
			t.Fatalf("GetMany failed: %v", err)
		}
		if len(hits) != 0 {
			t.Errorf("expected entries to expire, got %d", len(hits))
		}
	})

	t.Run("Invalidate", func(t *testing.T) {
		if err := cache.PutMany(ctx, rows); err != nil {
			t.Fatal(err)
		}
		if n, _ := cache.Len(ctx); n != 2 {
			t.Errorf("expected 2 tracked keys, got %d", n)
		}
		if err := cache.Invalidate(ctx); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		hits, _ := cache.GetMany(ctx, []int64{1, 2})
		if len(hits) != 0 {
			t.Errorf("expected empty cache after invalidate, got %d", len(hits))
		}
		if n, _ := cache.Len(ctx); n != 0 {
			t.Errorf("expected key set dropped, got %d", n)
		}
	})

	t.Run("Corrupt entry is a miss", func(t *testing.T) {
		mr.Set("matlens:usage:7", "not json")
		hits, err := cache.GetMany(ctx, []int64{7})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 0 {
			t.Errorf("expected miss for corrupt entry")
		}
	})
}

func TestRedisLeaseStore(t *testing.T) {
	mr, client := newTestClient(t)
	leases := NewRedisLeaseStore(client)
	ctx := context.Background()

	ok, err := leases.Acquire(ctx, "rebuild", "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	ok, err = leases.Acquire(ctx, "rebuild", "b", time.Second)
	if err != nil || ok {
		t.Fatalf("expected b to be refused, got %v, %v", ok, err)
	}

	// Re-acquire by the holder renews.
	ok, err = leases.Acquire(ctx, "rebuild", "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected renew, got %v, %v", ok, err)
	}

	l, err := leases.Get(ctx, "rebuild")
	if err != nil {
		t.Fatal(err)
	}
	if l.HolderID != "a" || l.Epoch != 1 {
		t.Errorf("unexpected lease: %+v", l)
	}

	if err := leases.Renew(ctx, "rebuild", "b", time.Second); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost, got %v", err)
	}

	mr.FastForward(2 * time.Second)
	ok, err = leases.Acquire(ctx, "rebuild", "b", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected b to take expired lease, got %v, %v", ok, err)
	}
	l, _ = leases.Get(ctx, "rebuild")
	if l.HolderID != "b" || l.Epoch != 2 {
		t.Errorf("unexpected lease after takeover: %+v", l)
	}

	// Release by a non-holder is a no-op.
	if err := leases.Release(ctx, "rebuild", "a"); err != nil {
		t.Fatal(err)
	}
	if l, _ := leases.Get(ctx, "rebuild"); l == nil {
		t.Fatalf("lease released by non-holder")
	}
	if err := leases.Release(ctx, "rebuild", "b"); err != nil {
		t.Fatal(err)
	}
	if l, _ := leases.Get(ctx, "rebuild"); l != nil {
		t.Errorf("expected lease gone, got %+v", l)
	}
}
