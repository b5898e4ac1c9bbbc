// Package queue carries document ids from intake to the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"doc-intake-go/internal/config"
)

var (
	// ErrFull is returned when a non-blocking enqueue finds no room
	ErrFull = errors.New("queue is full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue is closed")
)

// Queue is a FIFO of document ids
type Queue interface {
	// Enqueue adds id without waiting for a consumer.
	Enqueue(ctx context.Context, id string) error
	// Dequeue blocks until an id is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

// New builds the configured queue backend
func New(cfg config.QueueConfig, size int) (Queue, error) {
	switch cfg.Backend {
	case "", "channel":
		return NewChannelQueue(size), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return NewRedisQueue(redis.NewClient(opts), cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
