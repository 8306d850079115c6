package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelKey(t *testing.T) {
	assert.Equal(t, "app:1:channel:cache-news:cache_miss", ChannelKey("1", "cache-news"))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10 * time.Millisecond)
	defer m.Close()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	value, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	require.NoError(t, m.Set(ctx, "short", "v", 20*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, ok, _ := m.Get(ctx, "short")
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		m.mutex.RLock()
		defer m.mutex.RUnlock()
		_, present := m.entries["short"]
		return !present
	}, time.Second, 5*time.Millisecond, "the sweeper removes expired entries")

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestRedis(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	r := NewRedis(client, "pondpush")

	require.NoError(t, r.Set(ctx, "k", `{"event":"e"}`, time.Minute))
	assert.True(t, server.Exists("pondpush:k"))

	value, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"event":"e"}`, value)

	server.FastForward(2 * time.Minute)
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "d", "v", 0))
	require.NoError(t, r.Delete(ctx, "d"))
	_, ok, err = r.Get(ctx, "d")
	require.NoError(t, err)
	assert.False(t, ok)
}
