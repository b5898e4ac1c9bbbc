package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const popTimeout = 5 * time.Second

// RedisQueue keeps ids in a Redis list so they survive restarts
type RedisQueue struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

// NewRedisQueue creates a new RedisQueue on the list named key
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "doc-intake:documents"
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue implements Queue
func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.client.LPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("failed to push %s: %w", id, err)
	}
	return nil
}

// Dequeue implements Queue
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if q.closed.Load() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if q.closed.Load() {
				return "", ErrClosed
			}
			return "", fmt.Errorf("failed to pop: %w", err)
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			return "", fmt.Errorf("unexpected BRPOP reply %v", res)
		}
		return res[1], nil
	}
}

// Len returns the number of waiting ids
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close implements Queue
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
