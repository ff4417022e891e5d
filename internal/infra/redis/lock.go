package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 10 * time.Minute

// ErrLockLost is returned by Refresh when the lock expired or changed hands.
var ErrLockLost = errors.New("run lock lost")

// releaseScript deletes the lock only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it is still held by the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock guarantees one active run per session across processes.
type RunLock struct {
	client *Client
	owner  string
	ttl    time.Duration
}

// NewRunLock creates a lock manager that identifies itself as owner.
func NewRunLock(client *Client, owner string, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RunLock{client: client, owner: owner, ttl: ttl}
}

// Acquire attempts to take the run lock for a session.
func (l *RunLock) Acquire(ctx context.Context, sessionID string) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.client.lockKey(sessionID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// TTL is how long a lock lives without a refresh.
func (l *RunLock) TTL() time.Duration {
	return l.ttl
}

// Refresh extends the TTL of a lock this owner holds.
func (l *RunLock) Refresh(ctx context.Context, sessionID string) error {
	n, err := refreshScript.Run(ctx, l.client.rdb, []string{l.client.lockKey(sessionID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, sessionID)
	}
	return nil
}

// Release drops the lock if this owner still holds it.
func (l *RunLock) Release(ctx context.Context, sessionID string) error {
	return releaseScript.Run(ctx, l.client.rdb, []string{l.client.lockKey(sessionID)}, l.owner).Err()
}
