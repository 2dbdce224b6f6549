package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "message"

type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(internalID int64) string {
	return fmt.Sprintf("%s:%d", c.prefix, internalID)
}

func (c *RedisCache) StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error {
	b, err := json.Marshal(SentInfo{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, c.key(internalID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, internalID int64) (SentInfo, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(internalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentInfo{}, false, nil
	}
	if err != nil {
		return SentInfo{}, false, err
	}

	var info SentInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SentInfo{}, false, fmt.Errorf("decode %s: %w", c.key(internalID), err)
	}
	return info, true, nil
}
