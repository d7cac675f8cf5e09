package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/slotbroker/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

const sweeperKey = "slotbroker:sweeper:leader"

func TestLeaderLockExcludesSecondReplica(t *testing.T) {
	mr, client := newTestClient(t)
	lock := NewLeaderLock(client)
	ctx := context.Background()

	token, ok, err := lock.TryLock(ctx, sweeperKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(token, lock.holder+"/"))

	held, err := mr.Get(sweeperKey)
	require.NoError(t, err)
	require.Equal(t, token, held)

	_, ok, err = lock.TryLock(ctx, sweeperKey, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// a stale token must not drop another replica's lease
	require.ErrorIs(t, lock.Release(ctx, sweeperKey, "other-host/stale"), ErrLeaderLeaseLost)
	_, ok, err = lock.TryLock(ctx, sweeperKey, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, lock.Release(ctx, sweeperKey, token))
	_, ok, err = lock.TryLock(ctx, sweeperKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaderLockRaisesShortTTL(t *testing.T) {
	mr, client := newTestClient(t)
	lock := NewLeaderLock(client)
	ctx := context.Background()

	_, ok, err := lock.TryLock(ctx, sweeperKey, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, MinLeaderTTL, mr.TTL(sweeperKey))

	mr.FastForward(500 * time.Millisecond)
	_, ok, err = lock.TryLock(ctx, sweeperKey, time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(time.Second)
	_, ok, err = lock.TryLock(ctx, sweeperKey, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaderLockReleaseAfterExpiryReportsLostLease(t *testing.T) {
	mr, client := newTestClient(t)
	lock := NewLeaderLock(client)
	ctx := context.Background()

	token, ok, err := lock.TryLock(ctx, sweeperKey, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	require.ErrorIs(t, lock.Release(ctx, sweeperKey, token), ErrLeaderLeaseLost)
}

func TestLeaderLockRejectsBadInput(t *testing.T) {
	_, client := newTestClient(t)
	lock := NewLeaderLock(client)

	_, _, err := lock.TryLock(context.Background(), "", time.Second)
	require.Error(t, err)
	_, _, err = lock.TryLock(context.Background(), sweeperKey, 0)
	require.Error(t, err)

	require.Nil(t, NewLeaderLock(nil))
	var unwired *LeaderLock
	_, _, err = unwired.TryLock(context.Background(), sweeperKey, time.Second)
	require.ErrorIs(t, err, ErrLeaderLockUnconfigured)
	require.NoError(t, unwired.Release(context.Background(), sweeperKey, "t"))
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	_, client := newTestClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "alloc:client:10.0.0.1", 0.5, 2)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, 2, res.Limit)
	}

	res, err := bucket.Allow(ctx, "alloc:client:10.0.0.1", 0.5, 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	// buckets are per key
	res, err = bucket.Allow(ctx, "alloc:client:10.0.0.2", 0.5, 2)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestTokenBucketValidatesArguments(t *testing.T) {
	_, client := newTestClient(t)
	bucket := NewTokenBucket(client)

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	require.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	require.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 1, 0)
	require.Error(t, err)
}

func TestAllocationLimiter(t *testing.T) {
	_, client := newTestClient(t)

	disabled, err := NewAllocationLimiter(config.Config{}, client)
	require.NoError(t, err)
	require.False(t, disabled.Enabled())
	res, err := disabled.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	_, err = NewAllocationLimiter(config.Config{RateLimit: config.RateLimitConfig{Enabled: true, AllocationRate: 1, AllocationBurst: 1}}, nil)
	require.Error(t, err)

	_, err = NewAllocationLimiter(config.Config{RateLimit: config.RateLimitConfig{Enabled: true}}, client)
	require.Error(t, err)

	limiter, err := NewAllocationLimiter(config.Config{RateLimit: config.RateLimitConfig{Enabled: true, AllocationRate: 0.1, AllocationBurst: 1}}, client)
	require.NoError(t, err)
	require.True(t, limiter.Enabled())

	res, err = limiter.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = limiter.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}
