package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovi-systems/devicecore/internal/store"
)

func redisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	l, _ := redisLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, store.PlatformTikTok, "personal_finance", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, store.PlatformTikTok, "personal_finance", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different slot is independent.
	ok, err = l.Acquire(ctx, store.PlatformInstagram, "personal_finance", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, store.PlatformTikTok, "personal_finance"))
	ok, err = l.Acquire(ctx, store.PlatformTikTok, "personal_finance", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerTTLExpires(t *testing.T) {
	l, mr := redisLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, store.PlatformTikTok, "true_crime", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = l.Acquire(ctx, store.PlatformTikTok, "true_crime", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockerExclusiveAndExpiring(t *testing.T) {
	now := time.Now()
	l := NewMemory()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := l.Acquire(ctx, store.PlatformTikTok, "motivation", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, store.PlatformTikTok, "motivation", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = l.Acquire(ctx, store.PlatformTikTok, "motivation", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
