// Package memory provides the in-memory page queue feeding the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Queue is a bounded in-memory page queue with context-aware operations.
// Closing the queue lets workers drain the remaining pages and then exit on
// pipeline.ErrQueueClosed.
type Queue struct {
	ch      chan int
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan int, capacity),
	}
}

// Enqueue pushes a page into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, page int) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- page:
		return nil
	}
}

// Dequeue pops the next page, respecting context cancellation. Once the
// queue is closed and drained it returns pipeline.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case page, ok := <-q.ch:
		if !ok {
			return 0, pipeline.ErrQueueClosed
		}
		return page, nil
	}
}

// Close closes the underlying channel so workers drain and stop.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
