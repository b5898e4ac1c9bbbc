package queue

import (
	"context"
	"sync"
)

// ChannelQueue is an in-process bounded queue
type ChannelQueue struct {
	ch     chan string
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewChannelQueue creates a new ChannelQueue holding up to size ids
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = 100
	}
	return &ChannelQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Enqueue implements Queue; it returns ErrFull instead of blocking
func (q *ChannelQueue) Enqueue(ctx context.Context, id string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- id:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue implements Queue
func (q *ChannelQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of waiting ids
func (q *ChannelQueue) Len() int {
	return len(q.ch)
}

// Close implements Queue. Ids still buffered are dropped; the sweeper finds them again.
func (q *ChannelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
