// Package dispatcher moves jobs from the queue through the scheduler to the
// worker pool and streams their outcomes back to the caller.
//
// One goroutine owns all scheduling state. Workers report back over a
// completion channel; the consumer reports back by asking for the next
// outcome. A durable queue entry is acknowledged only after the consumer has
// moved past its outcome, so URLs discovered while handling it are already
// queued.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/metrics"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
	"github.com/JakeFAU/groupcrawl/internal/worker"
)

// Dispatcher wires a queue, a scheduler and a worker pool together.
type Dispatcher struct {
	queue  crawler.Queue
	sched  *scheduler.Scheduler
	pool   *worker.Pool
	clock  crawler.Clock
	logger *zap.Logger
}

// New creates a Dispatcher. The pool must have at least as many workers as
// the scheduler allows concurrent jobs.
func New(
	queue crawler.Queue,
	sched *scheduler.Scheduler,
	pool *worker.Pool,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if queue == nil || sched == nil || pool == nil || clock == nil {
		return nil, errors.New("dispatcher: queue, scheduler, pool and clock are required")
	}
	if pool.Size() < sched.Config().TotalConcurrency {
		return nil, &crawler.ConfigurationError{
			Field:  "crawl.threads",
			Reason: fmt.Sprintf("worker pool has %d workers, scheduler allows %d", pool.Size(), sched.Config().TotalConcurrency),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		sched:  sched,
		pool:   pool,
		clock:  clock,
		logger: logger,
	}, nil
}

// Start begins crawling and returns the stream of outcomes. Canceling ctx
// stops pulling new work; see Stream for the shutdown sequence.
func (d *Dispatcher) Start(ctx context.Context) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	completions := make(chan crawler.FetchOutcome, d.pool.Size())
	d.pool.Start(ctx, completions)

	r := &run{
		d:           d,
		s:           s,
		completions: completions,
		ackCtx:      context.WithoutCancel(ctx),
	}
	go r.loop(ctx)
	return s
}

type run struct {
	d           *Dispatcher
	s           *Stream
	completions chan crawler.FetchOutcome
	ackCtx      context.Context

	stalled   *crawler.CrawlJob
	outbox    []crawler.FetchOutcome
	unsettled int
	stopping  bool
	err       error

	dispatched int
	delivered  int
}

func (r *run) loop(ctx context.Context) {
	d := r.d
	defer func() {
		d.pool.Stop()
		r.s.finish(r.err)
		d.logger.Info("crawl stream closed",
			zap.Int("dispatched", r.dispatched),
			zap.Int("delivered", r.delivered),
			zap.Error(r.err),
		)
	}()

	for {
		var (
			ready      <-chan struct{}
			wait       time.Duration
			queueEmpty bool
		)
		if !r.stopping {
			ready = d.queue.Ready()
		}
		for !r.stopping {
			queueEmpty = r.fill(ctx)
			if r.stopping {
				break
			}
			var n int
			n, wait = r.dispatch()
			// A dispatch frees buffer space, which may let a stalled job in.
			if n == 0 || r.stalled == nil {
				break
			}
		}
		if r.stopping {
			r.cancelBuffered()
		}
		metrics.SetSchedulerState(d.sched.Active(), d.sched.Buffered(), d.sched.Groups())

		if r.done(queueEmpty) {
			return
		}

		var (
			out  chan<- crawler.FetchOutcome
			head crawler.FetchOutcome
		)
		if len(r.outbox) > 0 {
			out = r.s.results
			head = r.outbox[0]
		}
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			tick = timer.C
		}
		var canceled <-chan struct{}
		if !r.stopping {
			canceled = ctx.Done()
		}
		if r.stopping || r.stalled != nil || !queueEmpty {
			ready = nil
		}

		select {
		case out <- head:
			r.outbox[0] = crawler.FetchOutcome{}
			r.outbox = r.outbox[1:]
			r.unsettled++
			r.delivered++
		case o := <-r.completions:
			d.sched.Done(o.Job)
			r.outbox = append(r.outbox, o)
		case st := <-r.s.settle:
			r.unsettled--
			if st.ack {
				r.ack(st.outcome)
			}
		case reply := <-r.s.snapshots:
			reply <- d.sched.Snapshot()
		case <-tick:
			metrics.ObserveThrottleWait(wait)
		case <-ready:
		case <-canceled:
			d.logger.Info("crawl canceled, draining in-flight jobs", zap.Int("active", d.sched.Active()))
			r.stop(ctx.Err())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fill pulls jobs into origin buffers until the queue is empty or a full
// buffer forces a stall. It reports whether the queue was found empty.
func (r *run) fill(ctx context.Context) bool {
	d := r.d
	if r.stalled != nil {
		if !d.sched.Offer(*r.stalled) {
			return false
		}
		r.stalled = nil
	}
	for {
		job, ok, err := d.queue.TryPop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.stop(ctx.Err())
				return false
			}
			if !crawler.IsFatal(err) {
				err = crawler.NewQueueStorageError("pop", err)
			}
			d.logger.Error("queue pop failed", zap.Error(err))
			r.stop(err)
			return false
		}
		if !ok {
			return true
		}
		if !d.sched.Offer(job) {
			r.stalled = &job
			return false
		}
	}
}

// dispatch submits every job the scheduler will currently release. It
// returns how many it submitted and how long until a throttled origin opens up.
func (r *run) dispatch() (int, time.Duration) {
	d := r.d
	now := d.clock.Now()
	n := 0
	for {
		next, ok, wait := d.sched.Next(now)
		if !ok {
			return n, wait
		}
		n++
		d.pool.Submit(worker.Task{Job: next.Job, Origin: next.Origin, DispatchedAt: next.At})
		r.dispatched++
		metrics.ObserveDispatch()
		d.logger.Debug("job dispatched",
			zap.String("job_id", next.Job.ID),
			zap.String("url", next.Job.URL),
			zap.String("origin", next.Origin),
		)
	}
}

// cancelBuffered turns every job that was pulled but never dispatched into
// a canceled outcome. Those outcomes are not acknowledged.
func (r *run) cancelBuffered() {
	d := r.d
	jobs := d.sched.Drain()
	if r.stalled != nil {
		jobs = append(jobs, *r.stalled)
		r.stalled = nil
	}
	if len(jobs) == 0 {
		return
	}
	now := d.clock.Now()
	for _, job := range jobs {
		r.outbox = append(r.outbox, crawler.FetchOutcome{
			Job:         job,
			Origin:      d.sched.Group(job),
			Err:         fmt.Errorf("%s: %w", job.URL, crawler.ErrCanceled),
			CompletedAt: now,
		})
		metrics.ObserveOutcome(metrics.StatusCanceled, 0)
	}
}

func (r *run) done(queueEmpty bool) bool {
	if len(r.outbox) > 0 || r.d.sched.Active() > 0 || r.unsettled > 0 {
		return false
	}
	if r.stopping {
		return true
	}
	return queueEmpty && r.stalled == nil && r.d.sched.Idle()
}

func (r *run) ack(o crawler.FetchOutcome) {
	if errors.Is(o.Err, crawler.ErrCanceled) {
		return
	}
	if err := r.d.queue.Ack(r.ackCtx, o.Job); err != nil {
		if !crawler.IsFatal(err) {
			err = crawler.NewQueueStorageError("ack", err)
		}
		r.d.logger.Error("queue ack failed", zap.String("job_id", o.Job.ID), zap.Error(err))
		r.stop(err)
	}
}

func (r *run) stop(err error) {
	r.stopping = true
	if r.err == nil {
		r.err = err
	}
}
