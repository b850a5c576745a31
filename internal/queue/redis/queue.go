// Package redis provides a durable job queue kept on a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/queue"
)

const (
	defaultKey   = "groupcrawl"
	pollInterval = time.Second
)

// Config selects the Redis server and key prefix.
type Config struct {
	Addr string
	Key  string
}

// Queue keeps pending jobs in one list and popped jobs in a processing list.
// Pops move an entry atomically between them; Ack removes it from processing.
// A key is consumed by one crawler at a time: opening the queue returns every
// processing entry to pending. Other processes may still push.
type Queue struct {
	client     goredis.UniversalClient
	pending    string
	processing string
	spiders    crawler.SpiderResolver
	ready      *queue.Broadcaster
	logger     *zap.Logger
	recovered  int

	mu     sync.RWMutex
	closed bool
}

// Dial connects to cfg.Addr and opens the queue.
func Dial(ctx context.Context, cfg Config, spiders crawler.SpiderResolver, logger *zap.Logger) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, &crawler.ConfigurationError{Field: "queue.redis_addr", Reason: "must be set for the redis queue"}
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, crawler.NewQueueStorageError("open", fmt.Errorf("ping %s: %w", cfg.Addr, err))
	}
	return New(ctx, client, cfg.Key, spiders, logger)
}

// New wraps an existing client. Entries left in the processing list by a
// previous run are moved back to the head of the pending list.
func New(
	ctx context.Context,
	client goredis.UniversalClient,
	key string,
	spiders crawler.SpiderResolver,
	logger *zap.Logger,
) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = defaultKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		client:     client,
		pending:    key + ":pending",
		processing: key + ":processing",
		spiders:    spiders,
		ready:      queue.NewBroadcaster(),
		logger:     logger,
	}
	if err := q.recover(ctx); err != nil {
		return nil, err
	}
	if q.recovered > 0 {
		logger.Info("replaying unacknowledged jobs", zap.String("key", key), zap.Int("count", q.recovered))
	}
	return q, nil
}

func (q *Queue) recover(ctx context.Context) error {
	for {
		// Newest processing entry goes first so the oldest ends up at the pop end.
		err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return crawler.NewQueueStorageError("recover", err)
		}
		q.recovered++
	}
}

// Recovered reports how many unacknowledged jobs were requeued by New.
func (q *Queue) Recovered() int {
	return q.recovered
}

// Push appends a job to the pending list.
func (q *Queue) Push(ctx context.Context, job crawler.CrawlJob) error {
	data, err := queue.Encode(job)
	if err != nil {
		return err
	}
	if q.isClosed() {
		return crawler.ErrQueueClosed
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return crawler.NewQueueStorageError("push", err)
	}
	q.ready.Broadcast()
	return nil
}

// Pop blocks until a job is available. Jobs pushed by other processes are
// noticed within a second.
func (q *Queue) Pop(ctx context.Context) (crawler.CrawlJob, error) {
	return queue.WaitPop(ctx, q, q.isClosed, pollInterval)
}

// TryPop moves the oldest pending job to the processing list.
func (q *Queue) TryPop(ctx context.Context) (crawler.CrawlJob, bool, error) {
	if q.isClosed() {
		return crawler.CrawlJob{}, false, nil
	}
	raw, err := q.client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, goredis.Nil) {
		return crawler.CrawlJob{}, false, nil
	}
	if err != nil {
		return crawler.CrawlJob{}, false, crawler.NewQueueStorageError("pop", err)
	}
	job, err := queue.Decode([]byte(raw), q.spiders)
	if err != nil {
		return crawler.CrawlJob{}, false, crawler.NewQueueStorageError("pop", err)
	}
	return job, true, nil
}

// Ack removes a popped job from the processing list.
func (q *Queue) Ack(ctx context.Context, job crawler.CrawlJob) error {
	data, err := queue.Encode(job)
	if err != nil {
		return err
	}
	if err := q.client.LRem(ctx, q.processing, 1, data).Err(); err != nil {
		return crawler.NewQueueStorageError("ack", err)
	}
	return nil
}

// Ready returns a channel closed on the next in-process Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready.Wait()
}

// Len reports the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, crawler.NewQueueStorageError("len", err)
	}
	return int(n), nil
}

// Close marks the queue closed and releases the client.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
	return crawler.NewQueueStorageError("close", q.client.Close())
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
