package dispatcher

import (
	"context"
	"errors"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
)

// ErrStreamClosed is returned by Snapshot once the stream has finished.
var ErrStreamClosed = errors.New("stream closed")

// Stream yields fetch outcomes in completion order.
//
//	for stream.Next() {
//		outcome := stream.Outcome()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Next, Outcome, Err and Close belong to the single consuming goroutine.
// Snapshot may be called from anywhere.
//
// The stream ends when the queue, every origin buffer and the worker pool
// are all empty and the consumer has moved past the last outcome. After
// cancellation no new job is dispatched: buffered jobs come back with
// crawler.ErrCanceled, in-flight fetches finish and are delivered, and then
// the stream ends with the context's error.
type Stream struct {
	results   chan crawler.FetchOutcome
	settle    chan settlement
	snapshots chan chan scheduler.Snapshot
	finished  chan struct{}
	cancel    context.CancelFunc

	current crawler.FetchOutcome
	held    bool
	err     error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		results:   make(chan crawler.FetchOutcome),
		settle:    make(chan settlement),
		snapshots: make(chan chan scheduler.Snapshot),
		finished:  make(chan struct{}),
		cancel:    cancel,
	}
}

// Next releases the previous outcome and waits for the next one. It returns
// false when the stream has ended.
func (s *Stream) Next() bool {
	s.release()
	o, ok := <-s.results
	if !ok {
		return false
	}
	s.current = o
	s.held = true
	return true
}

// Outcome returns the outcome produced by the last successful Next.
func (s *Stream) Outcome() crawler.FetchOutcome {
	return s.current
}

// Err waits for the stream to end and returns what ended it: nil when the
// crawl ran out of work, the context error after cancellation, or a
// *crawler.QueueStorageError.
func (s *Stream) Err() error {
	<-s.finished
	return s.err
}

// Close cancels the crawl, discards undelivered outcomes and waits for the
// workers to stop. Neither the outcome currently held nor the discarded ones
// are acknowledged, so a durable queue replays them; only Next acknowledges.
// Cancellation itself is not reported as an error.
func (s *Stream) Close() error {
	s.cancel()
	s.abandon()
	for o := range s.results {
		s.settleWith(o, false)
	}
	<-s.finished
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Snapshot asks the scheduling loop for a copy of its state.
func (s *Stream) Snapshot(ctx context.Context) (scheduler.Snapshot, error) {
	reply := make(chan scheduler.Snapshot, 1)
	select {
	case s.snapshots <- reply:
	case <-s.finished:
		return scheduler.Snapshot{}, ErrStreamClosed
	case <-ctx.Done():
		return scheduler.Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return scheduler.Snapshot{}, ctx.Err()
	}
}

// settlement tells the loop the consumer is done with an outcome.
type settlement struct {
	outcome crawler.FetchOutcome
	ack     bool
}

func (s *Stream) release() {
	if !s.held {
		return
	}
	s.held = false
	s.settleWith(s.current, true)
}

func (s *Stream) abandon() {
	if !s.held {
		return
	}
	s.held = false
	s.settleWith(s.current, false)
}

func (s *Stream) settleWith(o crawler.FetchOutcome, ack bool) {
	select {
	case s.settle <- settlement{outcome: o, ack: ack}:
	case <-s.finished:
	}
}

func (s *Stream) finish(err error) {
	s.err = err
	close(s.results)
	close(s.finished)
	s.cancel()
}
