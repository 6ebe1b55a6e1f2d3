package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/t3chn0func/webio/pkg/utils"
)

// ConcurrencyLimiter caps concurrent live calls per provider.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context, providerID string) (bool, error)
	Release(ctx context.Context, providerID string)
}

// capTTL bounds how long a slot can be held without release, so a crashed
// process cannot permanently exhaust a provider's capacity.
const capTTL = 2 * time.Hour

// RedisLimiter enforces the per-provider cap across all gateway instances.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
}

// NewRedisLimiter returns nil when limit <= 0, which disables the cap.
func NewRedisLimiter(rdb *redis.Client, limit int) *RedisLimiter {
	if rdb == nil || limit <= 0 {
		return nil
	}
	return &RedisLimiter{rdb: rdb, limit: limit}
}

func (l *RedisLimiter) Acquire(ctx context.Context, providerID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, capKey(providerID), l.limit, capTTL)
}

func (l *RedisLimiter) Release(ctx context.Context, providerID string) {
	// Best-effort: a missed release self-heals via the TTL.
	_ = utils.ReleaseConcurrencyCap(ctx, l.rdb, capKey(providerID))
}

func capKey(providerID string) string {
	return "calls:active:" + providerID
}
