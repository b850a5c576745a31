// Package queue holds the pieces shared by the crawl job queue backends:
// push notification, the blocking pop loop, and the persisted job encoding.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Broadcaster wakes every waiter when a job lands.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewBroadcaster creates a Broadcaster with no pending notification.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// Wait returns a channel that is closed on the next Broadcast.
func (b *Broadcaster) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Broadcast wakes all current waiters.
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}

// TryPopper is the non-blocking half of crawler.Queue.
type TryPopper interface {
	TryPop(ctx context.Context) (crawler.CrawlJob, bool, error)
	Ready() <-chan struct{}
}

// WaitPop blocks until q yields a job. closed reports whether the queue has
// been closed; a closed and empty queue returns crawler.ErrQueueClosed. When
// poll is positive the queue is re-checked at that interval, for backends
// that other processes may push into.
func WaitPop(ctx context.Context, q TryPopper, closed func() bool, poll time.Duration) (crawler.CrawlJob, error) {
	for {
		ready := q.Ready()
		job, ok, err := q.TryPop(ctx)
		if err != nil {
			return crawler.CrawlJob{}, err
		}
		if ok {
			return job, nil
		}
		if closed() {
			return crawler.CrawlJob{}, crawler.ErrQueueClosed
		}

		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if poll > 0 {
			timer = time.NewTimer(poll)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return crawler.CrawlJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ready:
		case <-tick:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type record struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Spider  string `json:"spider"`
	Attempt int    `json:"attempt,omitempty"`
}

// Encode serializes the durable fields of a job. The spider is stored by name.
func Encode(job crawler.CrawlJob) ([]byte, error) {
	if job.ID == "" {
		return nil, errors.New("encode job: id is required")
	}
	data, err := json.Marshal(record{
		ID:      job.ID,
		URL:     job.URL,
		Spider:  job.SpiderName(),
		Attempt: job.Attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

// Decode restores a job written by Encode, resolving its spider by name.
func Decode(data []byte, spiders crawler.SpiderResolver) (crawler.CrawlJob, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("decode job: %w", err)
	}
	return Resolve(rec.ID, rec.URL, rec.Spider, rec.Attempt, spiders)
}

// Resolve rebuilds a job from stored columns.
func Resolve(id, url, spiderName string, attempt int, spiders crawler.SpiderResolver) (crawler.CrawlJob, error) {
	job := crawler.CrawlJob{ID: id, URL: url, Attempt: attempt}
	if spiderName == "" {
		return job, nil
	}
	if spiders == nil {
		return crawler.CrawlJob{}, fmt.Errorf("decode job %s: %w: %q", id, crawler.ErrUnknownSpider, spiderName)
	}
	spider, err := spiders.Lookup(spiderName)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Spider = spider
	return job, nil
}
