// Package worker runs dispatched crawl jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls per-fetch behavior.
type Config struct {
	Timeout time.Duration
	Headers http.Header
}

// Task is a job the scheduler has cleared to run.
type Task struct {
	Job          crawler.CrawlJob
	Origin       string
	DispatchedAt time.Time
}

// Pool executes tasks on exactly size goroutines and reports one
// FetchOutcome per task on the completion channel passed to Start.
type Pool struct {
	size    int
	fetcher crawler.Fetcher
	cfg     Config
	clock   crawler.Clock
	logger  *zap.Logger

	tasks chan Task
	wg    conc.WaitGroup
}

// NewPool constructs a Pool. size must match the scheduler's total concurrency
// so that Submit never blocks.
func NewPool(size int, fetcher crawler.Fetcher, cfg Config, clock crawler.Clock, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:    size,
		fetcher: fetcher,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		tasks:   make(chan Task, size),
	}
}

// Size is the number of worker goroutines.
func (p *Pool) Size() int {
	return p.size
}

// Start launches the workers. Fetches run on a context detached from ctx's
// cancellation, so a stopping crawl still lets in-flight requests finish or
// time out.
func (p *Pool) Start(ctx context.Context, completions chan<- crawler.FetchOutcome) {
	fetchCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Go(func() {
			for task := range p.tasks {
				completions <- p.process(fetchCtx, task)
			}
		})
	}
}

// Submit hands a task to an idle worker.
func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Stop waits for submitted tasks to finish and the workers to exit.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) process(ctx context.Context, task Task) (outcome crawler.FetchOutcome) {
	outcome = crawler.FetchOutcome{
		Job:          task.Job,
		Origin:       task.Origin,
		DispatchedAt: task.DispatchedAt,
	}
	logger := p.logger.With(
		zap.String("job_id", task.Job.ID),
		zap.String("url", task.Job.URL),
		zap.String("origin", task.Origin),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("fetch panicked", zap.Any("panic", r))
			outcome.Response = nil
			outcome.Err = fmt.Errorf("fetch %s: panic: %v", task.Job.URL, r)
		}
		outcome.CompletedAt = p.clock.Now()
		metrics.ObserveOutcome(outcomeStatus(outcome), outcome.CompletedAt.Sub(outcome.DispatchedAt))
	}()

	if p.fetcher == nil {
		outcome.Err = errors.New("no fetcher configured")
		return outcome
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		JobID:   task.Job.ID,
		URL:     task.Job.URL,
		Headers: p.cfg.Headers,
	})
	switch {
	case err != nil:
		outcome.Err = &crawler.TransportError{URL: task.Job.URL, Reason: Classify(err), Err: err}
		logger.Debug("fetch failed", zap.Error(err))
	case resp == nil:
		outcome.Err = &crawler.TransportError{URL: task.Job.URL, Reason: crawler.ReasonNetwork, Err: errors.New("empty response")}
	default:
		outcome.Response = resp
		logger.Debug("fetch succeeded", zap.Int("status", resp.StatusCode))
	}
	return outcome
}

func outcomeStatus(o crawler.FetchOutcome) string {
	switch {
	case o.Err == nil:
		return metrics.StatusOK
	case errors.Is(o.Err, crawler.ErrCanceled) || errors.Is(o.Err, context.Canceled):
		return metrics.StatusCanceled
	default:
		return metrics.StatusError
	}
}

// Classify names the kind of transport failure behind err.
func Classify(err error) string {
	var (
		dnsErr      *net.DNSError
		netErr      net.Error
		certErr     *tls.CertificateVerificationError
		authErr     x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordError tls.RecordHeaderError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return crawler.ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.ReasonTimeout
	case errors.As(err, &dnsErr):
		return crawler.ReasonDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return crawler.ReasonConnectionRefused
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordError):
		return crawler.ReasonTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		return crawler.ReasonTimeout
	default:
		return crawler.ReasonNetwork
	}
}
