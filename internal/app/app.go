// Package app builds the crawler's long-lived services from configuration
// and runs a crawl for one spider.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/api"
	"github.com/JakeFAU/groupcrawl/internal/clock/system"
	"github.com/JakeFAU/groupcrawl/internal/config"
	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/dispatcher"
	"github.com/JakeFAU/groupcrawl/internal/extract"
	collyfetcher "github.com/JakeFAU/groupcrawl/internal/fetcher/colly"
	"github.com/JakeFAU/groupcrawl/internal/frontier"
	"github.com/JakeFAU/groupcrawl/internal/id/uuid"
	"github.com/JakeFAU/groupcrawl/internal/metrics"
	"github.com/JakeFAU/groupcrawl/internal/queue/bolt"
	"github.com/JakeFAU/groupcrawl/internal/queue/memory"
	"github.com/JakeFAU/groupcrawl/internal/queue/postgres"
	"github.com/JakeFAU/groupcrawl/internal/queue/redis"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
	"github.com/JakeFAU/groupcrawl/internal/worker"
)

// Options overrides the collaborators App would otherwise build from
// configuration. Zero fields fall back to the defaults.
type Options struct {
	Queue     crawler.Queue
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Out       io.Writer
	// Records receives the items scraped from each fetched page. The
	// default logs every record.
	Records RecordHandler
}

// RecordHandler consumes the records extracted from one job's response.
type RecordHandler func(job crawler.CrawlJob, records []crawler.Record)

// App holds the services shared by one crawl.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	spider    *crawler.Spider
	queue     crawler.Queue
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	clock     crawler.Clock
	frontier  *frontier.Frontier
	out       io.Writer
	records   RecordHandler
}

// Summary counts what a crawl did.
type Summary struct {
	Fetched    int
	Failed     int
	Canceled   int
	Retried    int
	Discovered int
	Records    int
}

// New wires the services for crawling spider with cfg.
func New(ctx context.Context, cfg config.Config, spider *crawler.Spider, logger *zap.Logger, opts Options) (*App, error) {
	if spider == nil {
		return nil, errors.New("app: spider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:       cfg,
		logger:    logger,
		spider:    spider,
		queue:     opts.Queue,
		fetcher:   opts.Fetcher,
		extractor: opts.Extractor,
		clock:     opts.Clock,
		out:       opts.Out,
		records:   opts.Records,
	}
	if a.queue == nil {
		q, err := OpenQueue(ctx, cfg.Queue, crawler.NewSpiders(spider), logger)
		if err != nil {
			return nil, err
		}
		a.queue = q
	}
	if a.fetcher == nil {
		a.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.HTTP.UserAgent,
			Timeout:     cfg.HTTP.Timeout,
			Connections: cfg.Crawl.Threads,
			MaxBodySize: cfg.HTTP.MaxBodySize,
		})
	}
	if a.extractor == nil {
		a.extractor = extract.New()
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.records == nil {
		a.records = logRecords(logger)
	}
	ids := opts.IDs
	if ids == nil {
		ids = uuid.New()
	}
	a.frontier = frontier.New(a.queue, ids, frontier.Config{
		Dedupe:            cfg.Crawl.Dedupe,
		ExpectedURLs:      cfg.Crawl.ExpectedURLs,
		FalsePositiveRate: cfg.Crawl.FalsePositiveRate,
	}, logger)
	return a, nil
}

// OpenQueue builds the queue backend selected by cfg.
func OpenQueue(ctx context.Context, cfg config.QueueConfig, spiders crawler.SpiderResolver, logger *zap.Logger) (crawler.Queue, error) {
	backend := cfg.ResolvedBackend()
	logger.Info("opening job queue", zap.String("backend", backend))
	switch backend {
	case config.BackendMemory:
		return memory.NewQueue(), nil
	case config.BackendBolt:
		q, err := bolt.Open(cfg.Path, spiders, logger)
		if err != nil {
			return nil, fmt.Errorf("open bolt queue: %w", err)
		}
		return q, nil
	case config.BackendRedis:
		q, err := redis.Dial(ctx, redis.Config{Addr: cfg.RedisAddr, Key: cfg.RedisKey}, spiders, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	case config.BackendPostgres:
		q, err := postgres.Connect(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			Table:    cfg.PostgresTable,
			MaxConns: cfg.PostgresMaxConns,
		}, spiders, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres queue: %w", err)
		}
		return q, nil
	default:
		return nil, &crawler.ConfigurationError{Field: "queue.backend", Reason: fmt.Sprintf("unknown backend %q", backend)}
	}
}

// Queue returns the job queue in use.
func (a *App) Queue() crawler.Queue {
	return a.queue
}

// Crawl seeds the spider's start URLs and consumes outcomes until the
// frontier is exhausted or ctx is canceled. Cancellation is a clean stop,
// not an error.
func (a *App) Crawl(ctx context.Context) (Summary, error) {
	var summary Summary

	sched, err := scheduler.New(a.cfg.Scheduler(), nil)
	if err != nil {
		return summary, err
	}
	pool := worker.NewPool(a.cfg.Crawl.Threads, a.fetcher, worker.Config{
		Timeout: a.cfg.HTTP.Timeout,
		Headers: a.cfg.HTTP.RequestHeaders(),
	}, a.clock, a.logger)
	d, err := dispatcher.New(a.queue, sched, pool, a.clock, a.logger)
	if err != nil {
		return summary, err
	}

	seeded, err := a.frontier.Seed(ctx, a.spider)
	if err != nil {
		return summary, fmt.Errorf("seed start urls: %w", err)
	}
	a.logger.Info("crawl started",
		zap.String("spider", a.spider.Name),
		zap.Int("seeded", seeded),
		zap.Int("threads", a.cfg.Crawl.Threads),
		zap.Int("group_concurrency", a.cfg.Crawl.GroupConcurrency),
		zap.Duration("group_throttle", a.cfg.Crawl.GroupThrottle),
	)

	stream := d.Start(ctx)

	var wg conc.WaitGroup
	srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	if addr := a.cfg.Server.Addr; addr != "" {
		srv := api.NewServer(api.Options{
			Stats:    stream,
			Queue:    a.queue,
			Enqueuer: a.frontier,
			Spider:   a.spider,
			Logger:   a.logger,
		})
		wg.Go(func() {
			if err := srv.Run(srvCtx, addr); err != nil {
				a.logger.Error("stats server failed", zap.Error(err))
			}
		})
	}
	defer func() {
		stopServer()
		wg.Wait()
	}()

	// Enqueues keep working while a canceled crawl drains so discovered
	// URLs reach a durable queue.
	handleCtx := context.WithoutCancel(ctx)
	for stream.Next() {
		if err := a.handle(handleCtx, stream.Outcome(), &summary); err != nil {
			if cerr := stream.Close(); cerr != nil {
				a.logger.Warn("closing stream after consumer failure", zap.Error(cerr))
			}
			return summary, err
		}
	}

	err = stream.Err()
	a.logger.Info("crawl finished",
		zap.Int("fetched", summary.Fetched),
		zap.Int("failed", summary.Failed),
		zap.Int("canceled", summary.Canceled),
		zap.Int("retried", summary.Retried),
		zap.Int("discovered", summary.Discovered),
		zap.Error(err),
	)
	if errors.Is(err, context.Canceled) {
		return summary, nil
	}
	return summary, err
}

func (a *App) handle(ctx context.Context, o crawler.FetchOutcome, summary *Summary) error {
	logger := a.logger.With(zap.String("job_id", o.Job.ID), zap.String("url", o.Job.URL))
	switch {
	case errors.Is(o.Err, crawler.ErrCanceled):
		summary.Canceled++
		return nil
	case o.Err != nil:
		summary.Failed++
		if o.Job.Attempt >= a.cfg.Crawl.MaxRetries {
			logger.Warn("fetch failed", zap.Int("attempt", o.Job.Attempt), zap.Error(o.Err))
			return nil
		}
		logger.Info("fetch failed, retrying", zap.Int("attempt", o.Job.Attempt), zap.Error(o.Err))
		if err := a.frontier.Retry(ctx, o.Job); err != nil {
			return fmt.Errorf("retry %s: %w", o.Job.URL, err)
		}
		summary.Retried++
		return nil
	}

	summary.Fetched++
	resp := o.Response
	if _, err := fmt.Fprintln(a.out, resp.URL); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	spider := o.Job.Spider
	if spider == nil {
		spider = a.spider
	}
	records, links, err := a.extractor.Apply(spider.Scraper, resp)
	if err != nil {
		logger.Warn("extraction failed", zap.Error(err))
		return nil
	}
	if len(records) > 0 {
		summary.Records += len(records)
		a.records(o.Job, records)
	}
	if len(links) == 0 {
		return nil
	}
	queued, err := a.frontier.Enqueue(ctx, spider, links...)
	summary.Discovered += queued
	if err != nil {
		return fmt.Errorf("enqueue discovered urls: %w", err)
	}
	logger.Debug("links discovered",
		zap.Int("status", resp.StatusCode),
		zap.Int("records", len(records)),
		zap.Int("links", len(links)),
		zap.Int("queued", queued),
	)
	return nil
}

func logRecords(logger *zap.Logger) RecordHandler {
	return func(job crawler.CrawlJob, records []crawler.Record) {
		for _, rec := range records {
			logger.Info("record scraped",
				zap.String("job_id", job.ID),
				zap.String("spider", job.SpiderName()),
				zap.Any("record", rec),
			)
		}
	}
}

// Close releases the queue and flushes the logger.
func (a *App) Close() error {
	var errs []error
	if err := a.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
