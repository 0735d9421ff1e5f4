package cache

import (
	"context"
	"fmt"
)

// checkpointKey builds the hierarchical cache key for a checkpoint.
func checkpointKey(checkpointID string) string {
	return "checkpoint/" + checkpointID
}

// CheckpointCache is the cache-warm path for recently used checkpoints. A
// miss falls back to the durable checkpoint store through the restore
// function and never fails the caller on cache trouble alone.
type CheckpointCache struct {
	cache *Cache

	// restore loads checkpoint state from the durable store.
	restore func(ctx context.Context, checkpointID string) (any, error)
}

// NewCheckpointCache wraps a cache with a durable-store fallback.
func NewCheckpointCache(c *Cache, restore func(ctx context.Context, checkpointID string) (any, error)) *CheckpointCache {
	return &CheckpointCache{cache: c, restore: restore}
}

// CacheCheckpoint stores checkpoint state for fast resume.
func (cc *CheckpointCache) CacheCheckpoint(checkpointID string, state any) {
	cc.cache.set(checkpointKey(checkpointID), state, WithTags("checkpoint"))
}

// RestoreCheckpoint returns checkpoint state, from cache when warm and from
// the durable store otherwise.
func (cc *CheckpointCache) RestoreCheckpoint(ctx context.Context, checkpointID string) (any, error) {
	value, err := cc.cache.GetOrSet(ctx, checkpointKey(checkpointID), func(ctx context.Context) (any, error) {
		return cc.restore(ctx, checkpointID)
	}, WithTags("checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoint %q: %w", checkpointID, err)
	}
	return value, nil
}

// InvalidateCheckpoint drops one checkpoint from the cache, for example
// after cleanup removes it from the durable store.
func (cc *CheckpointCache) InvalidateCheckpoint(checkpointID string) {
	cc.cache.Invalidate(checkpointKey(checkpointID))
}

// InvalidateAll drops every cached checkpoint.
func (cc *CheckpointCache) InvalidateAll() int {
	return cc.cache.InvalidateByPattern("checkpoint/*")
}
