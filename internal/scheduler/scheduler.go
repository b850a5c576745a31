// Package scheduler decides which buffered crawl job may be fetched next.
//
// Jobs are grouped by origin. A job is dispatched only while its origin has
// fewer than GroupConcurrency jobs in flight, the whole crawl has fewer than
// TotalConcurrency, and GroupThrottle has elapsed since the origin's previous
// dispatch. Origins with waiting jobs are served round-robin.
//
// A Scheduler is owned by a single goroutine and is not safe for concurrent use.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
)

// Grouper maps a job to the key its politeness limits are tracked under.
// It must return the same key every time it sees the same job.
type Grouper func(crawler.CrawlJob) string

// ByOrigin groups jobs by the registrable domain of their URL.
func ByOrigin(job crawler.CrawlJob) string {
	return crawler.OriginKey(job.URL)
}

// Config holds the admission-control knobs.
type Config struct {
	TotalConcurrency int
	GroupConcurrency int
	GroupBufferSize  int
	GroupThrottle    time.Duration
}

// Validate rejects knob values that could never dispatch a job.
func (c Config) Validate() error {
	switch {
	case c.TotalConcurrency <= 0:
		return &crawler.ConfigurationError{Field: "crawl.threads", Reason: fmt.Sprintf("must be > 0, got %d", c.TotalConcurrency)}
	case c.GroupConcurrency <= 0:
		return &crawler.ConfigurationError{Field: "crawl.group_concurrency", Reason: fmt.Sprintf("must be > 0, got %d", c.GroupConcurrency)}
	case c.GroupBufferSize <= 0:
		return &crawler.ConfigurationError{Field: "crawl.group_buffer_size", Reason: fmt.Sprintf("must be > 0, got %d", c.GroupBufferSize)}
	case c.GroupThrottle < 0:
		return &crawler.ConfigurationError{Field: "crawl.group_throttle", Reason: fmt.Sprintf("must be >= 0, got %s", c.GroupThrottle)}
	}
	return nil
}

type group struct {
	active       int
	lastDispatch time.Time
	buffer       []crawler.CrawlJob
}

// Dispatch is a job cleared to run.
type Dispatch struct {
	Job    crawler.CrawlJob
	Origin string
	At     time.Time
}

// Scheduler tracks per-origin buffers and in-flight counts.
type Scheduler struct {
	cfg     Config
	grouper Grouper

	groups   map[string]*group
	ring     []string
	cursor   int
	active   int
	buffered int
}

// New validates cfg and creates a Scheduler. A nil grouper means ByOrigin.
func New(cfg Config, grouper Grouper) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if grouper == nil {
		grouper = ByOrigin
	}
	return &Scheduler{
		cfg:     cfg,
		grouper: grouper,
		groups:  make(map[string]*group),
	}, nil
}

// Config returns the knobs the scheduler was built with.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Group returns the key job is scheduled under.
func (s *Scheduler) Group(job crawler.CrawlJob) string {
	return s.grouper(job)
}

// Groups is the number of origins seen so far.
func (s *Scheduler) Groups() int {
	return len(s.groups)
}

func (s *Scheduler) group(key string) *group {
	g, ok := s.groups[key]
	if !ok {
		g = &group{}
		s.groups[key] = g
	}
	return g
}

// Offer buffers job under its origin. It returns false, leaving the job with
// the caller, when that origin's buffer is full.
func (s *Scheduler) Offer(job crawler.CrawlJob) bool {
	key := s.grouper(job)
	g := s.group(key)
	if len(g.buffer) >= s.cfg.GroupBufferSize {
		return false
	}
	if len(g.buffer) == 0 {
		s.ring = append(s.ring, key)
	}
	g.buffer = append(g.buffer, job)
	s.buffered++
	return true
}

// Next picks the next eligible job, marks it in flight and returns it.
// When nothing is eligible it returns false and how long until the soonest
// throttled origin opens up; a zero wait means only a completion can help.
func (s *Scheduler) Next(now time.Time) (Dispatch, bool, time.Duration) {
	if len(s.ring) == 0 || s.active >= s.cfg.TotalConcurrency {
		return Dispatch{}, false, 0
	}
	var wait time.Duration
	for i := 0; i < len(s.ring); i++ {
		idx := (s.cursor + i) % len(s.ring)
		key := s.ring[idx]
		g := s.groups[key]
		if g.active >= s.cfg.GroupConcurrency {
			continue
		}
		if remaining := s.throttleRemaining(g, now); remaining > 0 {
			if wait == 0 || remaining < wait {
				wait = remaining
			}
			continue
		}

		job := g.buffer[0]
		g.buffer[0] = crawler.CrawlJob{}
		g.buffer = g.buffer[1:]
		g.active++
		g.lastDispatch = now
		s.active++
		s.buffered--

		if len(g.buffer) == 0 {
			g.buffer = nil
			s.ring = append(s.ring[:idx], s.ring[idx+1:]...)
			s.cursor = idx
		} else {
			s.cursor = idx + 1
		}
		if len(s.ring) > 0 {
			s.cursor %= len(s.ring)
		} else {
			s.cursor = 0
		}
		return Dispatch{Job: job, Origin: key, At: now}, true, 0
	}
	return Dispatch{}, false, wait
}

func (s *Scheduler) throttleRemaining(g *group, now time.Time) time.Duration {
	if s.cfg.GroupThrottle <= 0 || g.lastDispatch.IsZero() {
		return 0
	}
	elapsed := now.Sub(g.lastDispatch)
	if elapsed >= s.cfg.GroupThrottle {
		return 0
	}
	return s.cfg.GroupThrottle - elapsed
}

// Done releases the slot held by a dispatched job, whatever its outcome.
func (s *Scheduler) Done(job crawler.CrawlJob) {
	g, ok := s.groups[s.grouper(job)]
	if !ok || g.active == 0 {
		return
	}
	g.active--
	s.active--
}

// Drain removes and returns every buffered job, oldest first per origin.
func (s *Scheduler) Drain() []crawler.CrawlJob {
	out := make([]crawler.CrawlJob, 0, s.buffered)
	for _, key := range s.ring {
		g := s.groups[key]
		out = append(out, g.buffer...)
		g.buffer = nil
	}
	s.ring = nil
	s.cursor = 0
	s.buffered = 0
	return out
}

// Active is the number of dispatched jobs not yet Done.
func (s *Scheduler) Active() int {
	return s.active
}

// Buffered is the number of jobs waiting in origin buffers.
func (s *Scheduler) Buffered() int {
	return s.buffered
}

// Idle reports whether nothing is buffered or in flight.
func (s *Scheduler) Idle() bool {
	return s.active == 0 && s.buffered == 0
}

// GroupStats is the state of one origin.
type GroupStats struct {
	Origin       string    `json:"origin"`
	Active       int       `json:"active"`
	Buffered     int       `json:"buffered"`
	LastDispatch time.Time `json:"last_dispatch,omitempty"`
}

// Snapshot is a point-in-time copy of scheduler state.
type Snapshot struct {
	Active   int          `json:"active"`
	Buffered int          `json:"buffered"`
	Groups   []GroupStats `json:"groups"`
}

// Snapshot copies the current state, with groups sorted by origin.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Active:   s.active,
		Buffered: s.buffered,
		Groups:   make([]GroupStats, 0, len(s.groups)),
	}
	for key, g := range s.groups {
		snap.Groups = append(snap.Groups, GroupStats{
			Origin:       key,
			Active:       g.active,
			Buffered:     len(g.buffer),
			LastDispatch: g.lastDispatch,
		})
	}
	sort.Slice(snap.Groups, func(i, j int) bool {
		return snap.Groups[i].Origin < snap.Groups[j].Origin
	})
	return snap
}
