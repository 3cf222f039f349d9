package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLimiterStore(t *testing.T) {
	clock := now
	store := NewInMemoryLimiterStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()
	policy := Policy{RPM: 60, Burst: 2}

	for i := 0; i < 2; i++ {
		ok, err := store.Allow(ctx, "gmail_agent", policy, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := store.Allow(ctx, "gmail_agent", policy, 1)
	assert.False(t, ok, "burst exhausted")

	ok, _ = store.Allow(ctx, "telegram_agent", policy, 1)
	assert.True(t, ok, "buckets are per agent")

	clock = clock.Add(time.Second)
	ok, _ = store.Allow(ctx, "gmail_agent", policy, 1)
	assert.True(t, ok, "one token refills per second at 60 rpm")
}

func newRedisStore(t *testing.T) (*RedisLimiterStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiterStore(client), mr
}

func TestRedisLimiterStoreDeniesAfterBurst(t *testing.T) {
	store, mr := newRedisStore(t)
	clock := now
	store.WithClock(func() time.Time { return clock })
	ctx := context.Background()
	policy := Policy{RPM: 60, Burst: 3}

	for i := 0; i < 3; i++ {
		ok, err := store.Allow(ctx, "whatsapp_agent", policy, 1)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}
	ok, err := store.Allow(ctx, "whatsapp_agent", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("orchestra:limiter:whatsapp_agent"))

	clock = clock.Add(2 * time.Second)
	ok, err = store.Allow(ctx, "whatsapp_agent", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterStoreSharedAcrossInstances(t *testing.T) {
	first, mr := newRedisStore(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	second := NewRedisLimiterStore(client)

	clock := func() time.Time { return now }
	first.WithClock(clock)
	second.WithClock(clock)

	ctx := context.Background()
	policy := Policy{RPM: 60, Burst: 1}

	ok, err := first.Allow(ctx, "calendar_agent", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Allow(ctx, "calendar_agent", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok, "second instance sees the bucket drained by the first")
}

func TestRedisLimiterStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Allow(context.Background(), "gmail_agent", Policy{RPM: 60, Burst: 1}, 1)
	assert.Error(t, err)
}
