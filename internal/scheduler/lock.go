package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants the right to run one round across replicas.
type Locker interface {
	// Acquire reports whether this process may run the current tick. The
	// grant expires after ttl; it is never released early so a second
	// replica cannot re-run the same interval.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// RedisLocker implements Locker with SET NX PX on a single key.
type RedisLocker struct {
	rdb   *redis.Client
	key   string
	owner string
}

// NewRedisLocker creates a RedisLocker. owner identifies this replica in the
// lock value.
func NewRedisLocker(rdb *redis.Client, key, owner string) *RedisLocker {
	if key == "" {
		key = "rounds:lock"
	}
	return &RedisLocker{rdb: rdb, key: key, owner: owner}
}

func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	// Slightly shorter than the interval so the next tick can take it.
	hold := ttl - ttl/10
	if hold <= 0 {
		hold = ttl
	}
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, hold).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", l.key, err)
	}
	return ok, nil
}
