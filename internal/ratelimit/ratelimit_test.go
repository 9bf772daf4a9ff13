package ratelimit

import (
	"context"
	"testing"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func exerciseWindow(t *testing.T, l Limiter, clk *clock.Fake) {
	ctx := context.Background()
	allow := func(tenant string) bool {
		ok, err := l.Allow(ctx, tenant, "channel.test")
		require.NoError(t, err)
		return ok
	}

	assert.True(t, allow("t1"))
	clk.Advance(10 * time.Second)
	assert.True(t, allow("t1"))
	clk.Advance(10 * time.Second)
	assert.True(t, allow("t1"))
	assert.False(t, allow("t1"))
	assert.False(t, allow("t1"))

	// other tenants and actions have their own windows
	assert.True(t, allow("t2"))
	ok, err := l.Allow(ctx, "t1", "rule.create")
	require.NoError(t, err)
	assert.True(t, ok)

	// the first call leaves the window
	clk.Advance(41 * time.Second)
	assert.True(t, allow("t1"))
	assert.False(t, allow("t1"))

	clk.Advance(time.Minute)
	assert.True(t, allow("t1"))
}

func TestSQLLimiterSlidingWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	exerciseWindow(t, NewSQLLimiter(testutil.OpenDB(t), clk, time.Minute, 3), clk)
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFake(t0)
	exerciseWindow(t, NewRedisLimiter(client, clk, time.Minute, 3), clk)
}

func TestRedisLimiterUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisLimiter(client, nil, time.Minute, 1).Allow(context.Background(), "t1", "channel.test")
	assert.Error(t, err)
}
