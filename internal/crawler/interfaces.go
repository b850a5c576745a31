package crawler

import (
	"context"
	"time"
)

// Queue holds crawl jobs waiting to be scheduled.
//
// Pop blocks until a job is available, the queue is closed, or ctx ends.
// TryPop never blocks. Ready returns a channel that is closed the next time
// a job is pushed, so callers can wait for work without polling. Ack tells a
// durable queue that a popped job is finished and need not be replayed.
type Queue interface {
	Push(ctx context.Context, job CrawlJob) error
	Pop(ctx context.Context) (CrawlJob, error)
	TryPop(ctx context.Context) (CrawlJob, bool, error)
	Ack(ctx context.Context, job CrawlJob) error
	Ready() <-chan struct{}
	Len(ctx context.Context) (int, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (*Response, error)
}

// Extractor applies a spider's scraper rule to a response.
type Extractor interface {
	Apply(rule map[string]any, resp *Response) ([]Record, []string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// SpiderResolver maps a persisted spider name back to its Spider.
type SpiderResolver interface {
	Lookup(name string) (*Spider, error)
}
