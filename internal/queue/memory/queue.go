// Package memory provides the bounded in-process job queue that sits between
// accepted crawl requests and the dispatcher's runners.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Queue is a bounded FIFO of accepted jobs.
type Queue struct {
	items chan crawler.QueueItem
	done  chan struct{}
	once  sync.Once

	// mu keeps close(items) from racing an in-flight send.
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue holding at most capacity waiting jobs. A zero
// capacity hands jobs directly to an idle runner.
func NewQueue(capacity int) *Queue {
	return &Queue{
		items: make(chan crawler.QueueItem, max(capacity, 0)),
		done:  make(chan struct{}),
	}
}

// Enqueue adds a job, blocking while the queue is full. It returns
// crawler.ErrQueueClosed once Close has been called, including for callers
// that were already blocked.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue job %s: %w", item.JobID, ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.items <- item:
		return nil
	}
}

// Dequeue pops the next job. Jobs accepted before Close are still delivered;
// after they drain it returns crawler.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
	case item, ok := <-q.items:
		if !ok {
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of waiting jobs.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close stops accepting jobs. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.items)
	})
}
