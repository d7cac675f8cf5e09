package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/slotbroker/internal/config"
)

const keyAllocationClient = "alloc:client:%s"

// AllocationLimiter throttles allocation requests per client with a shared
// token bucket, so every API replica draws from the same budget.
type AllocationLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewAllocationLimiter(cfg config.Config, client *redis.Client) (*AllocationLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires a redis addr")
	}
	if limitCfg.AllocationRate <= 0 || limitCfg.AllocationBurst <= 0 {
		return nil, errors.New("allocation rate limit must be positive")
	}

	return &AllocationLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.AllocationRate,
		burst:  limitCfg.AllocationBurst,
	}, nil
}

func (l *AllocationLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token from the client's bucket. A disabled limiter always
// allows.
func (l *AllocationLimiter) Allow(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		clientKey = "unknown"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAllocationClient, clientKey), l.rate, l.burst)
}
