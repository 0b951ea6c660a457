package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 2 * time.Minute
	lockPollInterval = 50 * time.Millisecond
	lockKeyPrefix    = "docchat:lock:"
)

// releaseScript deletes the lock only while it still carries our token, so an
// expired holder cannot release a lock another instance has since taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker coordinates session locks across server instances. A lock
// expires after ttl if its holder dies without releasing it.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *log.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// release even when the caller's context is already done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Printf("release redis lock %s: %v", key, err)
		}
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
