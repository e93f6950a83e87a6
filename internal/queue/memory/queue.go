// Package memory provides the in-process batch queue used by the API server.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = downloader.ErrQueueClosed

// Queue is a bounded FIFO with context-aware operations.
type Queue struct {
	ch        chan downloader.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding at most capacity pending batches.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan downloader.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue blocks until there is room, ctx ends, or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item downloader.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue returns the next batch. Pending batches are still handed out
// after Close; ErrClosed is returned once none remain.
func (q *Queue) Dequeue(ctx context.Context) (downloader.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return downloader.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return downloader.QueueItem{}, ErrClosed
		}
	}
}

// Len reports the number of pending batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
