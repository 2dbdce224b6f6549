package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("lock already held")

// Deletes the key only while it still carries our token, so an expired lease
// never releases somebody else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb redis.Cmdable
}

func NewRedisLocker(rdb redis.Cmdable) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// Lease is a held lock. It expires on its own after the ttl passed to TryAcquire.
type Lease struct {
	rdb   redis.Cmdable
	key   string
	token string
}

// TryAcquire never blocks: it returns ErrLocked when another owner holds key.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}

	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lease{rdb: l.rdb, key: key, token: token}, nil
}

func (l *Lease) Key() string { return l.key }

// Release reports false when the lease had already expired or been taken over.
func (l *Lease) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", l.key, err)
	}
	return n == 1, nil
}
