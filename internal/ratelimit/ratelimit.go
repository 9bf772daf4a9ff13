// Package ratelimit guards manual tenant actions with a sliding window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/metrics"
	"fleetalert/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrRateLimited is returned by callers that reject a denied action.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter decides whether tenant may perform action now. An allowed call
// counts towards the window; a denied one does not.
type Limiter interface {
	Allow(ctx context.Context, tenantID, action string) (bool, error)
}

// SQLLimiter counts rows in action_logs.
type SQLLimiter struct {
	db     *gorm.DB
	clock  clock.Clock
	window time.Duration
	limit  int
}

func NewSQLLimiter(db *gorm.DB, clk clock.Clock, window time.Duration, limit int) *SQLLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLLimiter{db: db, clock: clk, window: window, limit: limit}
}

func (l *SQLLimiter) Allow(ctx context.Context, tenantID, action string) (bool, error) {
	now := l.clock.Now()
	start := now.Add(-l.window)
	allowed := false

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND action = ? AND created_at <= ?", tenantID, action, start).
			Delete(&models.ActionLog{}).Error; err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&models.ActionLog{}).
			Where("tenant_id = ? AND action = ? AND created_at > ?", tenantID, action, start).
			Count(&n).Error; err != nil {
			return err
		}
		if n >= int64(l.limit) {
			return nil
		}
		allowed = true
		return tx.Create(&models.ActionLog{TenantID: tenantID, Action: action, CreatedAt: now}).Error
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", action, err)
	}
	if !allowed {
		metrics.RateLimited.WithLabelValues(action).Inc()
	}
	return allowed, nil
}

// slidingWindow trims the set to the window, then adds the call if there
// is room. KEYS[1] set, ARGV: now ms, window ms, limit, member.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisLimiter keeps one sorted set per tenant and action.
type RedisLimiter struct {
	client *redis.Client
	clock  clock.Clock
	window time.Duration
	limit  int
	prefix string
}

func NewRedisLimiter(client *redis.Client, clk clock.Clock, window time.Duration, limit int) *RedisLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisLimiter{client: client, clock: clk, window: window, limit: limit, prefix: "fleetalert:ratelimit"}
}

func (l *RedisLimiter) Allow(ctx context.Context, tenantID, action string) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, tenantID, action)
	res, err := slidingWindow.Run(ctx, l.client, []string{key},
		l.clock.Now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", action, err)
	}
	if res == 0 {
		metrics.RateLimited.WithLabelValues(action).Inc()
		return false, nil
	}
	return true, nil
}
