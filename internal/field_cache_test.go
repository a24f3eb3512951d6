package internal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, s
}

func sampleFields(objectTypeID uuid.UUID) []objectbase.ObjectField {
	return []objectbase.ObjectField{
		{ID: uuid.New(), ObjectTypeID: objectTypeID, Name: "Subject", APIName: "subject", DataType: objectbase.DataTypeText},
		{ID: uuid.New(), ObjectTypeID: objectTypeID, Name: "Status", APIName: "status", DataType: objectbase.DataTypePicklist, DisplayOrder: 1},
	}
}

func TestFieldCache_LocalOnly(t *testing.T) {
	ctx := context.Background()
	cache := NewFieldCache(nil, "", time.Minute)
	id := uuid.New()

	_, ok := cache.Get(ctx, id)
	assert.False(t, ok)

	cache.Set(ctx, id, sampleFields(id))
	got, ok := cache.Get(ctx, id)
	require.True(t, ok)
	assert.Len(t, got, 2)

	cache.Invalidate(ctx, id)
	_, ok = cache.Get(ctx, id)
	assert.False(t, ok)
}

func TestFieldCache_LocalExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewFieldCache(nil, "", time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.nowFunc = func() time.Time { return now }
	id := uuid.New()

	cache.Set(ctx, id, sampleFields(id))
	now = now.Add(2 * time.Minute)
	_, ok := cache.Get(ctx, id)
	assert.False(t, ok)
}

func TestFieldCache_RedisSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client, s := setupTestRedis(t)
	id := uuid.New()

	writer := NewFieldCache(client, "test", time.Minute)
	reader := NewFieldCache(client, "test", time.Minute)

	writer.Set(ctx, id, sampleFields(id))
	assert.True(t, s.Exists("test:fields:"+id.String()))

	got, ok := reader.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "status", got[1].APIName)

	writer.Invalidate(ctx, id)
	assert.False(t, s.Exists("test:fields:"+id.String()))
}

func TestFieldCache_RedisTTL(t *testing.T) {
	ctx := context.Background()
	client, s := setupTestRedis(t)
	id := uuid.New()

	cache := NewFieldCache(client, "ttl", time.Minute)
	cache.Set(ctx, id, sampleFields(id))

	s.FastForward(2 * time.Minute)
	assert.False(t, s.Exists("ttl:fields:"+id.String()))
}

func TestFieldCache_ListenDropsLocalCopies(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := uuid.New()

	peer := NewFieldCache(client, "pubsub", time.Minute)
	peer.storeLocal(id, sampleFields(id))
	go peer.Listen(ctx)

	other := NewFieldCache(client, "pubsub", time.Minute)
	require.Eventually(t, func() bool {
		other.Invalidate(ctx, id)
		peer.mu.RLock()
		defer peer.mu.RUnlock()
		_, ok := peer.local[id]
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFieldCache_NilSafe(t *testing.T) {
	var cache *FieldCache
	ctx := context.Background()
	id := uuid.New()

	cache.Set(ctx, id, nil)
	cache.Invalidate(ctx, id)
	_, ok := cache.Get(ctx, id)
	assert.False(t, ok)
}
