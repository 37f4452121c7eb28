package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another owner is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX. The TTL bounds how long a
// crashed holder can block others.
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(rdb redis.Cmdable, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	backoff := retry.WithCappedDuration(500*time.Millisecond, retry.NewExponential(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := r.rdb.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			return retry.RetryableError(fmt.Errorf("setnx %s: %w", fullKey, err))
		}
		if !ok {
			return retry.RetryableError(ErrNotAcquired)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", fullKey, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{fullKey}, token).Err(); err != nil {
			r.logger.Warn("lock release failed", "key", fullKey, "err", err)
		}
	}, nil
}
