package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/clock/system"
	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/queue/bolt"
	"github.com/JakeFAU/groupcrawl/internal/queue/memory"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
	"github.com/JakeFAU/groupcrawl/internal/worker"
)

// trackingFetcher records how many fetches run at once, overall and per origin.
type trackingFetcher struct {
	delay   time.Duration
	release chan struct{}
	fail    map[string]error

	mu        sync.Mutex
	calls     int
	active    map[string]int
	maxActive map[string]int
	total     int
	maxTotal  int
}

func newTrackingFetcher(delay time.Duration) *trackingFetcher {
	return &trackingFetcher{
		delay:     delay,
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (f *trackingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (*crawler.Response, error) {
	origin := crawler.OriginKey(req.URL)
	f.mu.Lock()
	f.calls++
	f.active[origin]++
	f.total++
	f.maxActive[origin] = max(f.maxActive[origin], f.active[origin])
	f.maxTotal = max(f.maxTotal, f.total)
	err := f.fail[req.URL]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[origin]--
		f.total--
		f.mu.Unlock()
	}()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return nil, err
	}
	return &crawler.Response{URL: req.URL, RequestURL: req.URL, StatusCode: http.StatusOK}, nil
}

func (f *trackingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *trackingFetcher) peak(origin string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[origin]
}

func (f *trackingFetcher) peakTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxTotal
}

// failingQueue always fails to pop.
type failingQueue struct {
	ready chan struct{}
}

func (q *failingQueue) Push(context.Context, crawler.CrawlJob) error { return nil }
func (q *failingQueue) Pop(context.Context) (crawler.CrawlJob, error) {
	return crawler.CrawlJob{}, errors.New("disk on fire")
}

func (q *failingQueue) TryPop(context.Context) (crawler.CrawlJob, bool, error) {
	return crawler.CrawlJob{}, false, errors.New("disk on fire")
}
func (q *failingQueue) Ack(context.Context, crawler.CrawlJob) error { return nil }
func (q *failingQueue) Ready() <-chan struct{}                      { return q.ready }
func (q *failingQueue) Len(context.Context) (int, error)            { return 0, nil }
func (q *failingQueue) Close() error                                { return nil }

var testSpider = &crawler.Spider{Name: "test", StartURLs: []string{"https://example.com/"}}

func job(id, url string) crawler.CrawlJob {
	return crawler.CrawlJob{ID: id, URL: url, Spider: testSpider}
}

func newDispatcher(t *testing.T, q crawler.Queue, fetcher crawler.Fetcher, cfg scheduler.Config) *Dispatcher {
	t.Helper()
	sched, err := scheduler.New(cfg, nil)
	require.NoError(t, err)
	pool := worker.NewPool(cfg.TotalConcurrency, fetcher, worker.Config{Timeout: 5 * time.Second}, system.New(), zap.NewNop())
	d, err := New(q, sched, pool, system.New(), zap.NewNop())
	require.NoError(t, err)
	return d
}

func config(total, perGroup int, throttle time.Duration) scheduler.Config {
	return scheduler.Config{
		TotalConcurrency: total,
		GroupConcurrency: perGroup,
		GroupBufferSize:  10,
		GroupThrottle:    throttle,
	}
}

// consume reads the stream to the end, calling handle for each outcome.
func consume(t *testing.T, s *Stream, handle func(crawler.FetchOutcome)) []crawler.FetchOutcome {
	t.Helper()
	done := make(chan []crawler.FetchOutcome, 1)
	go func() {
		var got []crawler.FetchOutcome
		for s.Next() {
			o := s.Outcome()
			got = append(got, o)
			if handle != nil {
				handle(o)
			}
		}
		done <- got
	}()
	select {
	case got := <-done:
		return got
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not end")
		return nil
	}
}

func pushAll(t *testing.T, q crawler.Queue, jobs ...crawler.CrawlJob) {
	t.Helper()
	for _, j := range jobs {
		require.NoError(t, q.Push(context.Background(), j))
	}
}

func TestNewRejectsUndersizedPool(t *testing.T) {
	t.Parallel()

	sched, err := scheduler.New(config(4, 1, 0), nil)
	require.NoError(t, err)
	pool := worker.NewPool(2, newTrackingFetcher(0), worker.Config{}, system.New(), zap.NewNop())

	_, err = New(memory.NewQueue(), sched, pool, system.New(), zap.NewNop())
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "crawl.threads", cfgErr.Field)
}

func TestEmptyQueueEndsImmediately(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, memory.NewQueue(), newTrackingFetcher(0), config(2, 1, 0))
	s := d.Start(context.Background())

	require.Empty(t, consume(t, s, nil))
	require.NoError(t, s.Err())
}

func TestSameOriginJobsRunOneAtATime(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	for i := 0; i < 5; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://www.example.com/%d", i)))
	}
	fetcher := newTrackingFetcher(10 * time.Millisecond)
	d := newDispatcher(t, q, fetcher, config(4, 1, 0))
	s := d.Start(context.Background())

	got := consume(t, s, nil)
	require.NoError(t, s.Err())
	require.Len(t, got, 5)
	require.Equal(t, 1, fetcher.peak("example.com"))
	for _, o := range got {
		require.True(t, o.OK())
		require.Equal(t, "example.com", o.Origin)
	}
}

func TestDistinctOriginsShareTotalConcurrency(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	for i := 0; i < 3; i++ {
		pushAll(t, q,
			job(fmt.Sprintf("a%d", i), fmt.Sprintf("https://alpha.com/%d", i)),
			job(fmt.Sprintf("b%d", i), fmt.Sprintf("https://beta.org/%d", i)),
		)
	}
	fetcher := newTrackingFetcher(30 * time.Millisecond)
	d := newDispatcher(t, q, fetcher, config(2, 1, 0))
	s := d.Start(context.Background())

	got := consume(t, s, nil)
	require.NoError(t, s.Err())
	require.Len(t, got, 6)
	require.Equal(t, 2, fetcher.peakTotal())
	require.Equal(t, 1, fetcher.peak("alpha.com"))
	require.Equal(t, 1, fetcher.peak("beta.org"))
}

func TestThrottleSpacesDispatchesPerOrigin(t *testing.T) {
	t.Parallel()

	const throttle = 60 * time.Millisecond
	q := memory.NewQueue()
	for i := 0; i < 3; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	d := newDispatcher(t, q, newTrackingFetcher(0), config(3, 3, throttle))
	s := d.Start(context.Background())

	got := consume(t, s, nil)
	require.NoError(t, s.Err())
	require.Len(t, got, 3)

	var starts []time.Time
	for _, o := range got {
		starts = append(starts, o.DispatchedAt)
	}
	sortTimes(starts)
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), throttle)
	}
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func TestJobsPushedWhileConsumingAreCrawled(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	pushAll(t, q, job("root", "https://example.com/"))
	d := newDispatcher(t, q, newTrackingFetcher(0), config(2, 2, 0))
	s := d.Start(context.Background())

	got := consume(t, s, func(o crawler.FetchOutcome) {
		if o.Job.ID != "root" {
			return
		}
		for i := 0; i < 3; i++ {
			_ = q.Push(context.Background(), job(fmt.Sprintf("child-%d", i), fmt.Sprintf("https://other.net/%d", i)))
		}
	})
	require.NoError(t, s.Err())
	require.Len(t, got, 4)
}

func TestFetchErrorsAreDeliveredPerJob(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	pushAll(t, q,
		job("good", "https://example.com/good"),
		job("bad", "https://example.com/bad"),
	)
	fetcher := newTrackingFetcher(0)
	fetcher.fail = map[string]error{"https://example.com/bad": errors.New("connection reset")}
	d := newDispatcher(t, q, fetcher, config(1, 1, 0))
	s := d.Start(context.Background())

	got := consume(t, s, nil)
	require.NoError(t, s.Err())
	require.Len(t, got, 2)
	for _, o := range got {
		if o.Job.ID == "bad" {
			var transportErr *crawler.TransportError
			require.ErrorAs(t, o.Err, &transportErr)
			require.Nil(t, o.Response)
		} else {
			require.True(t, o.OK())
		}
	}
}

func TestCancelReturnsBufferedJobsAndFinishesInFlight(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	for i := 0; i < 5; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	fetcher := newTrackingFetcher(0)
	fetcher.release = make(chan struct{})
	d := newDispatcher(t, q, fetcher, config(1, 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	s := d.Start(ctx)
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err == nil && snap.Buffered == 0
	}, 2*time.Second, 5*time.Millisecond)
	close(fetcher.release)

	got := consume(t, s, nil)
	require.ErrorIs(t, s.Err(), context.Canceled)
	require.Len(t, got, 5)

	var ok, canceled int
	for _, o := range got {
		switch {
		case o.OK():
			ok++
		case errors.Is(o.Err, crawler.ErrCanceled):
			canceled++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 4, canceled)
	require.Equal(t, 1, fetcher.callCount())
}

func TestDurableQueueAcksSettledJobsOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	spiders := crawler.NewSpiders(testSpider)
	q, err := bolt.Open(path, spiders, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://example.com/%d", i)))
	}

	fetcher := newTrackingFetcher(0)
	fetcher.release = make(chan struct{})
	d := newDispatcher(t, q, fetcher, config(1, 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	s := d.Start(ctx)
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err == nil && snap.Buffered == 0
	}, 2*time.Second, 5*time.Millisecond)
	close(fetcher.release)

	got := consume(t, s, nil)
	require.Len(t, got, 4)
	require.ErrorIs(t, s.Err(), context.Canceled)

	inflight, err := q.InFlight()
	require.NoError(t, err)
	require.Equal(t, 3, inflight)
	require.NoError(t, q.Close())

	reopened, err := bolt.Open(path, spiders, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	require.Equal(t, 3, reopened.Recovered())

	fetcher = newTrackingFetcher(0)
	d = newDispatcher(t, reopened, fetcher, config(1, 1, 0))
	s = d.Start(context.Background())
	got = consume(t, s, nil)
	require.NoError(t, s.Err())
	require.Len(t, got, 3)

	inflight, err = reopened.InFlight()
	require.NoError(t, err)
	require.Zero(t, inflight)
	n, err := reopened.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueueFailureEndsStream(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, &failingQueue{ready: make(chan struct{})}, newTrackingFetcher(0), config(1, 1, 0))
	s := d.Start(context.Background())

	require.Empty(t, consume(t, s, nil))
	var storageErr *crawler.QueueStorageError
	require.ErrorAs(t, s.Err(), &storageErr)
	require.Equal(t, "pop", storageErr.Op)
}

func TestSnapshotReportsSchedulerState(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	for i := 0; i < 3; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	fetcher := newTrackingFetcher(0)
	fetcher.release = make(chan struct{})
	d := newDispatcher(t, q, fetcher, config(1, 1, 0))
	s := d.Start(context.Background())
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Active)
	require.Equal(t, 2, snap.Buffered)
	require.Len(t, snap.Groups, 1)
	require.Equal(t, "example.com", snap.Groups[0].Origin)

	close(fetcher.release)
	require.Len(t, consume(t, s, nil), 3)
	require.NoError(t, s.Err())

	_, err = s.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestCloseStopsCrawl(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	for i := 0; i < 3; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	fetcher := newTrackingFetcher(0)
	fetcher.release = make(chan struct{})
	d := newDispatcher(t, q, fetcher, config(1, 1, 0))
	s := d.Start(context.Background())
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	close(fetcher.release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	require.False(t, s.Next())
}

func TestCloseDoesNotAckHeldOutcome(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	spiders := crawler.NewSpiders(testSpider)
	q, err := bolt.Open(path, spiders, zap.NewNop())
	require.NoError(t, err)
	pushAll(t, q, job("parent", "https://example.com/"))

	d := newDispatcher(t, q, newTrackingFetcher(0), config(1, 1, 0))
	s := d.Start(context.Background())
	require.True(t, s.Next())
	require.Equal(t, "parent", s.Outcome().Job.ID)
	require.NoError(t, s.Close())

	inflight, err := q.InFlight()
	require.NoError(t, err)
	require.Equal(t, 1, inflight)
	require.NoError(t, q.Close())

	reopened, err := bolt.Open(path, spiders, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	require.Equal(t, 1, reopened.Recovered())
}

func TestFullGroupBufferStallsWithoutLosingJobs(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	want := make(map[string]bool)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("a%d", i)
		want[id] = true
		pushAll(t, q, job(id, fmt.Sprintf("https://alpha.com/%d", i)))
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("b%d", i)
		want[id] = true
		pushAll(t, q, job(id, fmt.Sprintf("https://beta.org/%d", i)))
	}
	fetcher := newTrackingFetcher(5 * time.Millisecond)
	d := newDispatcher(t, q, fetcher, scheduler.Config{
		TotalConcurrency: 2,
		GroupConcurrency: 1,
		GroupBufferSize:  1,
	})
	s := d.Start(context.Background())

	got := consume(t, s, nil)
	require.NoError(t, s.Err())
	require.Len(t, got, len(want))
	seen := make(map[string]bool)
	for _, o := range got {
		require.True(t, o.OK())
		require.False(t, seen[o.Job.ID], "job %s delivered twice", o.Job.ID)
		seen[o.Job.ID] = true
	}
	require.Equal(t, want, seen)
	require.Equal(t, 1, fetcher.peak("alpha.com"))
	require.Equal(t, 1, fetcher.peak("beta.org"))
}

func TestCancelCancelsStalledJobAndLeavesRestQueued(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	for i := 0; i < 4; i++ {
		pushAll(t, q, job(fmt.Sprintf("j%d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	fetcher := newTrackingFetcher(0)
	fetcher.release = make(chan struct{})
	d := newDispatcher(t, q, fetcher, scheduler.Config{
		TotalConcurrency: 1,
		GroupConcurrency: 1,
		GroupBufferSize:  1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := d.Start(ctx)
	// j0 in flight, j1 buffered, j2 stalled on the full buffer, j3 queued.
	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 1 && fetcher.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err == nil && snap.Buffered == 0
	}, 2*time.Second, 5*time.Millisecond)
	close(fetcher.release)
	got := consume(t, s, nil)
	require.ErrorIs(t, s.Err(), context.Canceled)

	byID := make(map[string]crawler.FetchOutcome)
	for _, o := range got {
		byID[o.Job.ID] = o
	}
	require.Len(t, byID, 3)
	require.True(t, byID["j0"].OK())
	require.ErrorIs(t, byID["j1"].Err, crawler.ErrCanceled)
	require.ErrorIs(t, byID["j2"].Err, crawler.ErrCanceled)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	left, ok, err := q.TryPop(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "j3", left.ID)
}
