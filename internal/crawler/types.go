// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultSpiderName is used when a definition does not name its spider.
const DefaultSpiderName = "default"

// Spider describes a crawl: where to start and how to extract from pages.
// A Spider is built once and shared read-only by every job that references it.
type Spider struct {
	Name       string
	Definition map[string]any
	StartURLs  []string
	Scraper    map[string]any
}

// NewSpider validates the pieces of a spider definition and builds a Spider.
func NewSpider(name string, startURLs []string, scraper map[string]any, definition map[string]any) (*Spider, error) {
	if name == "" {
		name = DefaultSpiderName
	}
	urls := make([]string, 0, len(startURLs))
	for _, u := range startURLs {
		if u == "" {
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, &ConfigurationError{Field: "start_url", Reason: "spider " + name + " has no start URLs"}
	}
	return &Spider{
		Name:       name,
		Definition: definition,
		StartURLs:  urls,
		Scraper:    scraper,
	}, nil
}

// Spiders resolves spider names back to the shared Spider instance.
type Spiders map[string]*Spider

// NewSpiders indexes the provided spiders by name.
func NewSpiders(spiders ...*Spider) Spiders {
	out := make(Spiders, len(spiders))
	for _, s := range spiders {
		if s != nil {
			out[s.Name] = s
		}
	}
	return out
}

// Lookup returns the spider registered under name.
func (s Spiders) Lookup(name string) (*Spider, error) {
	spider, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpider, name)
	}
	return spider, nil
}

// CrawlJob is one unit of crawl work: fetch URL on behalf of Spider.
type CrawlJob struct {
	ID      string
	URL     string
	Spider  *Spider
	Attempt int
}

// SpiderName returns the name of the job's spider, or "" when unset.
func (j CrawlJob) SpiderName() string {
	if j.Spider == nil {
		return ""
	}
	return j.Spider.Name
}

// Response is what a Fetcher returns for any HTTP status.
type Response struct {
	URL        string
	RequestURL string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchOutcome pairs a job with either its response or the error that
// prevented one. Exactly one of Response and Err is set.
type FetchOutcome struct {
	Job          CrawlJob
	Origin       string
	Response     *Response
	Err          error
	DispatchedAt time.Time
	CompletedAt  time.Time
}

// OK reports whether the fetch produced a response.
func (o FetchOutcome) OK() bool {
	return o.Err == nil && o.Response != nil
}

// Record is one extracted item.
type Record map[string]string
