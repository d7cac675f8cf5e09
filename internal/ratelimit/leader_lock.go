package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// MinLeaderTTL bounds how short a sweeper lease can be. Shorter TTLs lapse
// while a batch is still committing and let a second replica in.
const MinLeaderTTL = time.Second

var (
	ErrLeaderLockUnconfigured = errors.New("leader_lock_unconfigured")
	ErrLeaderLeaseLost        = errors.New("leader_lease_lost")
)

// Only the holder's token may drop the lease.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaderLock is a Redis lease electing one sweeper replica per tick.
// The stored value names the holding host so operators can GET the key.
type LeaderLock struct {
	client *redis.Client
	holder string
}

func NewLeaderLock(client *redis.Client) *LeaderLock {
	if client == nil {
		return nil
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &LeaderLock{client: client, holder: host}
}

// TryLock claims key for ttl, raised to MinLeaderTTL. It returns the lease
// token and false without error when another replica holds the lease.
func (l *LeaderLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLeaderLockUnconfigured
	}
	if key == "" {
		return "", false, errors.New("leader lock key is empty")
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("leader lock ttl must be positive, got %s", ttl)
	}
	ttl = max(ttl, MinLeaderTTL)

	token := l.holder + "/" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the lease. ErrLeaderLeaseLost means the run outlived the
// TTL and the key expired or moved to another replica.
func (l *LeaderLock) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	deleted, err := releaseLease.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLeaderLeaseLost
	}
	return nil
}
