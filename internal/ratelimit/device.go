package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netcafe/internal/config"
)

const keyDeviceBucket = "netcafe:ratelimit:device:%s:%s"

// DeviceLimiter throttles device agent calls per device. A nil limiter
// allows everything.
type DeviceLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewDeviceLimiter(cfg config.Config, client *redis.Client) (*DeviceLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil, nil
	}
	if limitCfg.DeviceRate <= 0 || limitCfg.DeviceBurst <= 0 {
		return nil, errors.New("device rate limit must be positive")
	}
	return &DeviceLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.DeviceRate,
		burst:  limitCfg.DeviceBurst,
	}, nil
}

func (l *DeviceLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *DeviceLimiter) AllowDevice(ctx context.Context, orgID, deviceID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, deviceKey(orgID, deviceID), l.rate, l.burst)
}

func deviceKey(orgID, deviceID snowflake.ID) string {
	return fmt.Sprintf(keyDeviceBucket, orgID.String(), deviceID.String())
}
