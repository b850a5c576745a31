// Package bolt provides a durable, file-backed job queue on top of bbolt.
//
// Jobs live in a "pending" bucket keyed by push sequence until popped, then in
// an "inflight" bucket keyed by job ID until acknowledged. Reopening the file
// moves every inflight job back to pending under its original sequence, so
// unacknowledged work is replayed first.
package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/queue"
)

var (
	pendingBucket  = []byte("pending")
	inflightBucket = []byte("inflight")
)

// Queue is a crash-safe FIFO persisted in a single bbolt file.
type Queue struct {
	db        *bbolt.DB
	spiders   crawler.SpiderResolver
	ready     *queue.Broadcaster
	logger    *zap.Logger
	recovered int

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the queue file at path and requeues any jobs that
// were popped but never acknowledged by a previous run.
func Open(path string, spiders crawler.SpiderResolver, logger *zap.Logger) (*Queue, error) {
	if path == "" {
		return nil, &crawler.ConfigurationError{Field: "queue.path", Reason: "must be set for the bolt queue"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, crawler.NewQueueStorageError("open", fmt.Errorf("%s: %w", path, err))
	}
	q := &Queue{
		db:      db,
		spiders: spiders,
		ready:   queue.NewBroadcaster(),
		logger:  logger,
	}
	if err := q.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if q.recovered > 0 {
		logger.Info("replaying unacknowledged jobs", zap.String("path", path), zap.Int("count", q.recovered))
	}
	return q, nil
}

func (q *Queue) recover() error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		pending, err := tx.CreateBucketIfNotExists(pendingBucket)
		if err != nil {
			return fmt.Errorf("create pending bucket: %w", err)
		}
		inflight, err := tx.CreateBucketIfNotExists(inflightBucket)
		if err != nil {
			return fmt.Errorf("create inflight bucket: %w", err)
		}

		var ids [][]byte
		err = inflight.ForEach(func(id, v []byte) error {
			if len(v) < 8 {
				return fmt.Errorf("inflight entry %q is truncated", id)
			}
			if err := pending.Put(v[:8], v[8:]); err != nil {
				return fmt.Errorf("requeue %q: %w", id, err)
			}
			ids = append(ids, append([]byte(nil), id...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := inflight.Delete(id); err != nil {
				return fmt.Errorf("clear inflight %q: %w", id, err)
			}
		}
		q.recovered = len(ids)
		return nil
	})
	return crawler.NewQueueStorageError("recover", err)
}

// Recovered reports how many unacknowledged jobs were requeued by Open.
func (q *Queue) Recovered() int {
	return q.recovered
}

// Push persists a job at the tail of the queue.
func (q *Queue) Push(_ context.Context, job crawler.CrawlJob) error {
	data, err := queue.Encode(job)
	if err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return crawler.NewQueueStorageError("push", err)
	}
	q.ready.Broadcast()
	return nil
}

// Pop removes the oldest job, blocking until one is available.
func (q *Queue) Pop(ctx context.Context) (crawler.CrawlJob, error) {
	return queue.WaitPop(ctx, q, q.isClosed, 0)
}

// TryPop moves the oldest pending job to inflight and returns it.
func (q *Queue) TryPop(_ context.Context) (crawler.CrawlJob, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.CrawlJob{}, false, nil
	}
	var (
		job   crawler.CrawlJob
		found bool
	)
	err := q.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(pendingBucket)
		key, value := pending.Cursor().First()
		if key == nil {
			return nil
		}
		decoded, err := queue.Decode(value, q.spiders)
		if err != nil {
			return err
		}
		entry := make([]byte, 0, len(key)+len(value))
		entry = append(entry, key...)
		entry = append(entry, value...)
		if err := tx.Bucket(inflightBucket).Put([]byte(decoded.ID), entry); err != nil {
			return fmt.Errorf("mark inflight: %w", err)
		}
		if err := pending.Delete(key); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		job, found = decoded, true
		return nil
	})
	if err != nil {
		return crawler.CrawlJob{}, false, crawler.NewQueueStorageError("pop", err)
	}
	return job, found, nil
}

// Ack forgets a popped job so it is not replayed.
func (q *Queue) Ack(_ context.Context, job crawler.CrawlJob) error {
	if job.ID == "" {
		return errors.New("ack: job id is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(inflightBucket).Delete([]byte(job.ID))
	})
	return crawler.NewQueueStorageError("ack", err)
}

// Ready returns a channel closed on the next Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready.Wait()
}

// Len reports the number of pending jobs.
func (q *Queue) Len(context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, crawler.ErrQueueClosed
	}
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, crawler.NewQueueStorageError("len", err)
	}
	return n, nil
}

// InFlight reports the number of popped but unacknowledged jobs.
func (q *Queue) InFlight() (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, crawler.ErrQueueClosed
	}
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(inflightBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, crawler.NewQueueStorageError("inflight", err)
	}
	return n, nil
}

// Close flushes and releases the file. Unacknowledged jobs stay on disk.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	err := q.db.Close()
	q.mu.Unlock()
	q.ready.Broadcast()
	return crawler.NewQueueStorageError("close", err)
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
