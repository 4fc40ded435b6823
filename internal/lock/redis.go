// Package lock provides the cross-process lease that keeps two service
// instances sharing a database from running ingestion cycles at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Acquire when another owner holds the lease.
var ErrLocked = errors.New("lock: held by another owner")

// Locker hands out a lease. The returned release func gives it back.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lease that was taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease. TTL bounds how long a crashed holder
// can block others.
type RedisLease struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{redis: client, key: key, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.redis, []string{l.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release lease %s: %w", l.key, err)
		}
		return nil
	}
	return release, nil
}

// Holder returns the token of the current holder, or "" when free.
func (l *RedisLease) Holder(ctx context.Context) (string, error) {
	token, err := l.redis.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	return token, nil
}
