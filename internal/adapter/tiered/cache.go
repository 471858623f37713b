// Package tiered combines an in-process L1 cache with a remote L2 cache.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymind/relaymind/internal/port/cache"
)

// Cache reads through L1 then L2, backfilling L1 on an L2 hit. Writes go
// to both levels; an L2 write failure is logged and tolerated since the
// remote tier is an optimization, not a source of truth.
type Cache struct {
	l1     cache.Cache
	l2     cache.Cache
	l1TTL  time.Duration // lifetime of L2 backfill entries in L1
	logger *slog.Logger
}

// New creates a tiered cache.
func New(l1, l2 cache.Cache, l1TTL time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL, logger: logger}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.logger.Debug("l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1TTL)
		return val, true, nil
	}
	return nil, false, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.logger.Debug("l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
