// Package memory provides an in-process job queue that does not survive restarts.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/queue"
)

// Queue is an unbounded FIFO with context-aware blocking pops.
type Queue struct {
	mu     sync.Mutex
	items  []crawler.CrawlJob
	head   int
	closed bool
	ready  *queue.Broadcaster
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: queue.NewBroadcaster()}
}

// Push appends a job.
func (q *Queue) Push(_ context.Context, job crawler.CrawlJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return crawler.ErrQueueClosed
	}
	q.items = append(q.items, job)
	q.mu.Unlock()
	q.ready.Broadcast()
	return nil
}

// Pop removes the oldest job, blocking until one is available.
func (q *Queue) Pop(ctx context.Context) (crawler.CrawlJob, error) {
	return queue.WaitPop(ctx, q, q.isClosed, 0)
}

// TryPop removes the oldest job if there is one.
func (q *Queue) TryPop(_ context.Context) (crawler.CrawlJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return crawler.CrawlJob{}, false, nil
	}
	job := q.items[q.head]
	q.items[q.head] = crawler.CrawlJob{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append([]crawler.CrawlJob(nil), q.items[q.head:]...)
		q.head = 0
	}
	return job, true, nil
}

// Ack is a no-op: nothing is replayed from memory.
func (q *Queue) Ack(context.Context, crawler.CrawlJob) error {
	return nil
}

// Ready returns a channel closed on the next Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready.Wait()
}

// Len reports the number of queued jobs.
func (q *Queue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head, nil
}

// Close rejects further pushes. Jobs already queued can still be popped.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
	return nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
