// Package cache keeps per-user triage counts in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultCountTTL = 5 * time.Minute

// TriageCounts caches pending-item counts. Redis errors are logged and treated
// as misses so the database stays the source of truth.
type TriageCounts struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewTriageCounts(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *TriageCounts {
	if ttl <= 0 {
		ttl = defaultCountTTL
	}
	return &TriageCounts{rdb: rdb, ttl: ttl, logger: logger}
}

func countKey(userID int64) string {
	return fmt.Sprintf("triage:pending:%d", userID)
}

func (c *TriageCounts) Get(ctx context.Context, userID int64) (int64, bool) {
	n, err := c.rdb.Get(ctx, countKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		c.logger.Warn("Triage count cache read failed", zap.Int64("user_id", userID), zap.Error(err))
		return 0, false
	}
	return n, true
}

func (c *TriageCounts) Set(ctx context.Context, userID int64, n int64) {
	if err := c.rdb.Set(ctx, countKey(userID), n, c.ttl).Err(); err != nil {
		c.logger.Warn("Triage count cache write failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (c *TriageCounts) Invalidate(ctx context.Context, userID int64) {
	if err := c.rdb.Del(ctx, countKey(userID)).Err(); err != nil {
		// 过期后自然恢复
		c.logger.Warn("Triage count cache invalidate failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
