// Package frontier turns discovered URLs into queued crawl jobs.
package frontier

import (
	"context"
	"fmt"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
)

const defaultFalsePositiveRate = 0.0001

// Config controls URL deduplication.
type Config struct {
	Dedupe            bool
	ExpectedURLs      uint
	FalsePositiveRate float64
}

// Frontier normalizes URLs, drops ones it has already queued and pushes
// the rest as new jobs. It is safe for concurrent use.
type Frontier struct {
	queue  crawler.Queue
	ids    crawler.IDGenerator
	logger *zap.Logger

	mu   sync.Mutex
	seen *bloom.BloomFilter
}

// New creates a Frontier. With Dedupe off every URL is queued.
func New(queue crawler.Queue, ids crawler.IDGenerator, cfg Config, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{queue: queue, ids: ids, logger: logger}
	if cfg.Dedupe {
		n := cfg.ExpectedURLs
		if n == 0 {
			n = 100000
		}
		p := cfg.FalsePositiveRate
		if p <= 0 || p >= 1 {
			p = defaultFalsePositiveRate
		}
		f.seen = bloom.NewWithEstimates(n, p)
	}
	return f
}

// Seed queues the spider's start URLs.
func (f *Frontier) Seed(ctx context.Context, spider *crawler.Spider) (int, error) {
	return f.Enqueue(ctx, spider, spider.StartURLs...)
}

// Enqueue queues each new URL as a job for spider and reports how many
// were queued. Invalid URLs are skipped.
func (f *Frontier) Enqueue(ctx context.Context, spider *crawler.Spider, urls ...string) (int, error) {
	queued := 0
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			f.logger.Debug("skipping invalid url", zap.String("url", raw), zap.Error(err))
			continue
		}
		if f.markSeen(normalized) {
			continue
		}
		if err := f.push(ctx, spider, normalized, 0); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Retry queues job again as a fresh job with the next attempt number,
// bypassing deduplication.
func (f *Frontier) Retry(ctx context.Context, job crawler.CrawlJob) error {
	return f.push(ctx, job.Spider, job.URL, job.Attempt+1)
}

// markSeen reports whether url was already seen, recording it if not.
func (f *Frontier) markSeen(url string) bool {
	if f.seen == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen.TestOrAddString(url)
}

func (f *Frontier) push(ctx context.Context, spider *crawler.Spider, url string, attempt int) error {
	id, err := f.ids.NewID()
	if err != nil {
		return fmt.Errorf("assign job id: %w", err)
	}
	job := crawler.CrawlJob{ID: id, URL: url, Spider: spider, Attempt: attempt}
	if err := f.queue.Push(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", url, err)
	}
	f.logger.Debug("job queued",
		zap.String("job_id", id),
		zap.String("url", url),
		zap.Int("attempt", attempt),
	)
	return nil
}
