package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netcafe/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceLimiterDisabledAllows(t *testing.T) {
	limiter, err := NewDeviceLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	res, err := limiter.AllowDevice(context.Background(), snowflake.ID(1), snowflake.ID(2))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDeviceLimiterRejectsBadConfig(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, DeviceRate: 0, DeviceBurst: 5}}
	_, err := NewDeviceLimiter(cfg, client)
	assert.Error(t, err)

	cfg.RateLimit.DeviceRate = 2
	limiter, err := NewDeviceLimiter(cfg, client)
	require.NoError(t, err)
	assert.True(t, limiter.Enabled())
}

func TestDeviceKeyScopesByOrg(t *testing.T) {
	assert.Equal(t, "netcafe:ratelimit:device:7:9", deviceKey(snowflake.ID(7), snowflake.ID(9)))
	assert.NotEqual(t, deviceKey(snowflake.ID(1), snowflake.ID(9)), deviceKey(snowflake.ID(2), snowflake.ID(9)))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, defaultBucketTTL(0, 5))
	assert.Equal(t, 10*time.Second, defaultBucketTTL(1, 5))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(1), castToInt(int64(1)))
	assert.Equal(t, int64(3), castToInt(3.9))
	assert.Equal(t, int64(0), castToInt("x"))
	assert.InDelta(t, 0.25, castToFloat("0.25"), 1e-9)
	assert.InDelta(t, 2.0, castToFloat(int64(2)), 1e-9)
	assert.Equal(t, 0.0, castToFloat("nope"))
}

func TestNilBucketAndLocker(t *testing.T) {
	assert.Nil(t, NewTokenBucket(nil))
	assert.Nil(t, NewLocker(nil))

	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
	assert.False(t, res.Allowed)

	var locker *Locker
	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, locker.Release(context.Background(), "k", "token"))
}
