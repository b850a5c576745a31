// Package postgres provides a durable job queue stored in a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/queue"
)

const (
	defaultTable = "crawl_jobs"
	pollInterval = time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used by the queue.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Queue leases rows with FOR UPDATE SKIP LOCKED and deletes them on Ack.
// A table is consumed by one crawler at a time: opening the queue releases
// every lease, including any held by another live crawler. Other processes
// may still push rows.
type Queue struct {
	pool      pool
	table     string
	spiders   crawler.SpiderResolver
	ready     *queue.Broadcaster
	logger    *zap.Logger
	recovered int64

	mu     sync.RWMutex
	closed bool
}

// Connect opens a pgx pool for cfg and prepares the queue table.
func Connect(ctx context.Context, cfg Config, spiders crawler.SpiderResolver, logger *zap.Logger) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, &crawler.ConfigurationError{Field: "queue.postgres_dsn", Reason: "must be set for the postgres queue"}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &crawler.ConfigurationError{Field: "queue.postgres_dsn", Reason: err.Error()}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, crawler.NewQueueStorageError("open", fmt.Errorf("connect postgres: %w", err))
	}
	q, err := NewWithPool(ctx, p, cfg.Table, spiders, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return q, nil
}

// NewWithPool builds a queue on an existing pool (primarily for testing).
// Rows leased by a previous run are released so they are popped again first.
func NewWithPool(
	ctx context.Context,
	p pool,
	table string,
	spiders crawler.SpiderResolver,
	logger *zap.Logger,
) (*Queue, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, &crawler.ConfigurationError{Field: "queue.postgres_table", Reason: fmt.Sprintf("invalid table name %q", table)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		pool:    p,
		table:   table,
		spiders: spiders,
		ready:   queue.NewBroadcaster(),
		logger:  logger,
	}
	if _, err := p.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	seq BIGSERIAL,
	url TEXT NOT NULL,
	spider TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 0,
	leased BOOLEAN NOT NULL DEFAULT FALSE
)`, table)); err != nil {
		return nil, crawler.NewQueueStorageError("create table", err)
	}
	tag, err := p.Exec(ctx, fmt.Sprintf(`UPDATE %s SET leased = FALSE WHERE leased`, table))
	if err != nil {
		return nil, crawler.NewQueueStorageError("recover", err)
	}
	q.recovered = tag.RowsAffected()
	if q.recovered > 0 {
		logger.Info("replaying unacknowledged jobs", zap.String("table", table), zap.Int64("count", q.recovered))
	}
	return q, nil
}

// Recovered reports how many leased rows were released on startup.
func (q *Queue) Recovered() int {
	return int(q.recovered)
}

// Push inserts a job row.
func (q *Queue) Push(ctx context.Context, job crawler.CrawlJob) error {
	if job.ID == "" {
		return errors.New("push: job id is required")
	}
	if q.isClosed() {
		return crawler.ErrQueueClosed
	}
	_, err := q.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, url, spider, attempt) VALUES ($1, $2, $3, $4)`, q.table),
		job.ID, job.URL, job.SpiderName(), job.Attempt,
	)
	if err != nil {
		return crawler.NewQueueStorageError("push", err)
	}
	q.ready.Broadcast()
	return nil
}

// Pop blocks until a row can be leased. Rows inserted by other processes
// are noticed within a second.
func (q *Queue) Pop(ctx context.Context) (crawler.CrawlJob, error) {
	return queue.WaitPop(ctx, q, q.isClosed, pollInterval)
}

// TryPop leases the oldest unleased row.
func (q *Queue) TryPop(ctx context.Context) (crawler.CrawlJob, bool, error) {
	if q.isClosed() {
		return crawler.CrawlJob{}, false, nil
	}
	var (
		id, url, spider string
		attempt         int
	)
	err := q.pool.QueryRow(ctx, fmt.Sprintf(`UPDATE %[1]s SET leased = TRUE
WHERE id = (
	SELECT id FROM %[1]s WHERE NOT leased ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
)
RETURNING id, url, spider, attempt`, q.table)).Scan(&id, &url, &spider, &attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, false, nil
	}
	if err != nil {
		return crawler.CrawlJob{}, false, crawler.NewQueueStorageError("pop", err)
	}
	job, err := queue.Resolve(id, url, spider, attempt, q.spiders)
	if err != nil {
		return crawler.CrawlJob{}, false, crawler.NewQueueStorageError("pop", err)
	}
	return job, true, nil
}

// Ack deletes a leased row.
func (q *Queue) Ack(ctx context.Context, job crawler.CrawlJob) error {
	if _, err := q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, q.table), job.ID); err != nil {
		return crawler.NewQueueStorageError("ack", err)
	}
	return nil
}

// Ready returns a channel closed on the next in-process Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready.Wait()
}

// Len reports the number of unleased rows.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE NOT leased`, q.table)).Scan(&n); err != nil {
		return 0, crawler.NewQueueStorageError("len", err)
	}
	return int(n), nil
}

// Close releases the pool. Leased rows are released by the next run.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.pool.Close()
	q.ready.Broadcast()
	return nil
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
