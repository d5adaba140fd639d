package caselock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "docket:caselock:"

// releaseScript deletes the lease key only if this holder still owns it,
// so an expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is the Locker for multi-process deployments: a lease key
// with a TTL guards each case, so a crashed holder frees the case once
// the TTL lapses.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a
// crashed process can block a case; it should exceed the longest stage.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (r *RedisLocker) Acquire(ctx context.Context, caseID string) (Lease, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, keyPrefix+caseID, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("caselock: redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{locker: r, caseID: caseID, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	caseID string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.locker.client, []string{keyPrefix + l.caseID}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("caselock: redis release: %w", err)
	}
	return nil
}
