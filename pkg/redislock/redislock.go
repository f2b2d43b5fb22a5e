// Package redislock is a SET NX lock with owner-checked release, shared by
// every component that coordinates instances through Redis.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tair/rxsync/pkg/logger"
)

// release deletes the key only if this holder still owns it.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a best-effort mutual exclusion that expires after its ttl.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// New creates a lock on key that expires after ttl.
func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, ttl: ttl}
}

// TryLock acquires the lock without waiting. ok is false when another
// holder has it. unlock never removes a lock taken over after expiry.
func (l *Lock) TryLock(ctx context.Context) (unlock func(), ok bool, err error) {
	owner := uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := release.Run(context.Background(), l.client, []string{l.key}, owner).Err(); err != nil {
			logger.Logger.Warn().Err(err).Str("key", l.key).Msg("Failed to release lock")
		}
	}, true, nil
}
