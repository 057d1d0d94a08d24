package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/trade-executor/internal/errors"
)

const lockKeyPrefix = "executor:lock:"

// compare-and-delete so an expired holder cannot release a lock somebody else took over
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// CycleLock makes sure only one process mutates the state of an executor
type CycleLock struct {
	client *redis.Client
	ttl    time.Duration
}

// Lease is a held lock
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
}

// NewCycleLock creates a lock manager, leases expire after ttl unless refreshed
func NewCycleLock(cache *RedisCache, ttl time.Duration) *CycleLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CycleLock{client: cache.Client(), ttl: ttl}
}

// Acquire takes the lock of the executor or fails with a conflict error
func (l *CycleLock) Acquire(ctx context.Context, executorID string) (*Lease, error) {
	key := lockKeyPrefix + executorID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, apperrors.NewCacheError("acquire lock", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, key).Result()
		return nil, apperrors.NewConflictError(fmt.Sprintf("executor %s is locked by %s", executorID, holder))
	}
	return &Lease{Key: key, Token: token, AcquiredAt: time.Now()}, nil
}

// Refresh extends a lease, fails if the lease was lost
func (l *CycleLock) Refresh(ctx context.Context, lease *Lease) error {
	n, err := refreshScript.Run(ctx, l.client, []string{lease.Key}, lease.Token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return apperrors.NewCacheError("refresh lock", err)
	}
	if n == 0 {
		return apperrors.NewConflictError("lock " + lease.Key + " was lost")
	}
	return nil
}

// Release gives the lock up. Releasing a lost lease is not an error.
func (l *CycleLock) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err(); err != nil {
		return apperrors.NewCacheError("release lock", err)
	}
	return nil
}
