package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type cachedFields struct {
	fields    []objectbase.ObjectField
	expiresAt time.Time
}

// FieldCache keeps field lists per object type in process memory and,
// when a Redis client is configured, in Redis shared by all instances.
// Invalidations are published so other instances drop their local copy.
type FieldCache struct {
	mu      sync.RWMutex
	local   map[uuid.UUID]cachedFields
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewFieldCache creates a cache. client may be nil for a process-local cache.
func NewFieldCache(client *redis.Client, prefix string, ttl time.Duration) *FieldCache {
	if prefix == "" {
		prefix = "objectbase"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &FieldCache{
		local:   make(map[uuid.UUID]cachedFields),
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (c *FieldCache) key(objectTypeID uuid.UUID) string {
	return c.prefix + ":fields:" + objectTypeID.String()
}

func (c *FieldCache) channel() string {
	return c.prefix + ":fields:invalidate"
}

// Get returns the cached fields of an object type.
func (c *FieldCache) Get(ctx context.Context, objectTypeID uuid.UUID) ([]objectbase.ObjectField, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	entry, ok := c.local[objectTypeID]
	c.mu.RUnlock()
	if ok && c.nowFunc().Before(entry.expiresAt) {
		return entry.fields, true
	}

	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(objectTypeID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.S().Warnw("field cache read failed", "objectTypeId", objectTypeID, "error", err)
		}
		return nil, false
	}
	var fields []objectbase.ObjectField
	if err := json.Unmarshal(data, &fields); err != nil {
		zap.S().Warnw("field cache entry corrupted", "objectTypeId", objectTypeID, "error", err)
		return nil, false
	}
	c.storeLocal(objectTypeID, fields)
	return fields, true
}

// Set caches fields for an object type.
func (c *FieldCache) Set(ctx context.Context, objectTypeID uuid.UUID, fields []objectbase.ObjectField) {
	if c == nil {
		return
	}
	c.storeLocal(objectTypeID, fields)
	if c.client == nil {
		return
	}
	data, err := json.Marshal(fields)
	if err != nil {
		zap.S().Warnw("field cache marshal failed", "objectTypeId", objectTypeID, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(objectTypeID), data, c.ttl).Err(); err != nil {
		zap.S().Warnw("field cache write failed", "objectTypeId", objectTypeID, "error", err)
	}
}

// Invalidate drops the cached fields everywhere.
func (c *FieldCache) Invalidate(ctx context.Context, objectTypeID uuid.UUID) {
	if c == nil {
		return
	}
	c.dropLocal(objectTypeID)
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(objectTypeID)).Err(); err != nil {
		zap.S().Warnw("field cache delete failed", "objectTypeId", objectTypeID, "error", err)
	}
	if err := c.client.Publish(ctx, c.channel(), objectTypeID.String()).Err(); err != nil {
		zap.S().Warnw("field cache publish failed", "objectTypeId", objectTypeID, "error", err)
	}
}

// Listen drops local entries announced by other instances until ctx is done.
func (c *FieldCache) Listen(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	sub := c.client.Subscribe(ctx, c.channel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				zap.S().Warnw("ignoring malformed invalidation", "payload", msg.Payload)
				continue
			}
			c.dropLocal(id)
		}
	}
}

func (c *FieldCache) storeLocal(objectTypeID uuid.UUID, fields []objectbase.ObjectField) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[objectTypeID] = cachedFields{fields: fields, expiresAt: c.nowFunc().Add(c.ttl)}
}

func (c *FieldCache) dropLocal(objectTypeID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.local, objectTypeID)
}
