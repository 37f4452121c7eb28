package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue. Consumers move a task into a
// processing list while they handle it and remove it afterwards, so a
// task held by a crashed consumer can be put back with RequeueOrphans.
type RedisQueue struct {
	rdb        *redis.Client
	key        string
	processing string
	block      time.Duration
	logger     *slog.Logger
}

func NewRedis(rdb *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisQueue{
		rdb:        rdb,
		key:        key,
		processing: key + ":processing",
		block:      5 * time.Second,
		logger:     logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	b, err := Encode(t)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("enqueue %s task: %w", t.Kind, err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := q.rdb.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			q.logger.Error("redis dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		t, err := Decode([]byte(raw))
		if err != nil {
			q.logger.Error("dropping malformed task", "payload", raw, "err", err)
		} else if err := h(ctx, t); err != nil {
			q.logger.Warn("task handler failed", "kind", t.Kind, "id", t.ID, "err", err)
		}
		q.ack(ctx, raw)
	}
}

func (q *RedisQueue) ack(ctx context.Context, raw string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.rdb.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		q.logger.Warn("ack task failed", "err", err)
	}
}

// RequeueOrphans moves every task left in the processing list back onto
// the queue and reports how many were moved.
func (q *RedisQueue) RequeueOrphans(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Close is a no-op; the redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }
