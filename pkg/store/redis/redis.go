package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rmax-ai/matlens/pkg/store"
)

const summaryKeySet = "matlens:usage:keys"

// SummaryCache is a read-through cache of usage summary rows keyed by material id.
// Every cached key is tracked in a set so a rebuild can drop them all at once.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache returns a cache whose entries expire after ttl. A zero ttl keeps
// entries until the next Invalidate.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

func (c *SummaryCache) makeKey(materialID int64) string {
	return fmt.Sprintf("matlens:usage:%d", materialID)
}

// GetMany returns the cached rows among ids. Missing and undecodable entries are
// simply absent from the result.
func (c *SummaryCache) GetMany(ctx context.Context, ids []int64) (map[int64]store.UsageSummary, error) {
	hits := make(map[int64]store.UsageSummary, len(ids))
	if len(ids) == 0 {
		return hits, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.makeKey(id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to MGET usage keys: %w", err)
	}
	for i, val := range values {
		str, ok := val.(string)
		if !ok {
			continue
		}
		var row store.UsageSummary
		if err := json.Unmarshal([]byte(str), &row); err != nil {
			continue
		}
		hits[ids[i]] = row
	}
	return hits, nil
}

// PutMany caches rows in a single pipeline.
func (c *SummaryCache) PutMany(ctx context.Context, rows []store.UsageSummary) error {
	if len(rows) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	members := make([]any, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal usage %d: %w", row.MaterialID, err)
		}
		key := c.makeKey(row.MaterialID)
		pipe.Set(ctx, key, data, c.ttl)
		members = append(members, key)
	}
	pipe.SAdd(ctx, summaryKeySet, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache usage rows: %w", err)
	}
	return nil
}

// Invalidate drops every cached row.
func (c *SummaryCache) Invalidate(ctx context.Context) error {
	keys, err := c.client.SMembers(ctx, summaryKeySet).Result()
	if err != nil {
		return fmt.Errorf("failed to SMEMBERS %s: %w", summaryKeySet, err)
	}
	keys = append(keys, summaryKeySet)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to DEL usage keys: %w", err)
	}
	return nil
}

// Len returns the number of tracked cache keys.
func (c *SummaryCache) Len(ctx context.Context) (int64, error) {
	n, err := c.client.SCard(ctx, summaryKeySet).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to SCARD %s: %w", summaryKeySet, err)
	}
	return n, nil
}
