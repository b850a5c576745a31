// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome status labels.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

var (
	registry *prometheus.Registry

	jobsDispatchedTotal        prometheus.Counter
	outcomesTotal              *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	activeJobs                 prometheus.Gauge
	bufferedJobs               prometheus.Gauge
	trackedGroups              prometheus.Gauge
	throttleWaitSeconds        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times, and
// every observer calls it, so explicit initialization is optional.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		factory := promauto.With(registry)

		jobsDispatchedTotal = factory.NewCounter(prometheus.CounterOpts{
			Name: "groupcrawl_jobs_dispatched_total",
			Help: "Total number of jobs handed to a worker.",
		})

		outcomesTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcrawl_outcomes_total",
			Help: "Total number of fetch outcomes, labeled by status.",
		}, []string{"status"})

		fetchDurationSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupcrawl_fetch_duration_seconds",
			Help:    "Time from dispatch to outcome, labeled by status.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status"})

		activeJobs = factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcrawl_active_jobs",
			Help: "Number of jobs currently being fetched.",
		})

		bufferedJobs = factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcrawl_buffered_jobs",
			Help: "Number of jobs waiting in per-origin buffers.",
		})

		trackedGroups = factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcrawl_groups",
			Help: "Number of origins the scheduler has seen.",
		})

		throttleWaitSeconds = factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "groupcrawl_throttle_wait_seconds",
			Help:    "Histogram of timed waits for the next origin to come out of throttle.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		})

		httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcrawl_api_requests_total",
			Help: "Total number of stats API requests, labeled by method, route and code.",
		}, []string{"method", "route", "code"})

		httpRequestDurationSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupcrawl_api_request_duration_seconds",
			Help:    "Histogram of stats API latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing the crawler's metrics.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveDispatch counts a job handed to a worker.
func ObserveDispatch() {
	Init()
	jobsDispatchedTotal.Inc()
}

// ObserveOutcome counts a finished job and how long it took.
func ObserveOutcome(status string, duration time.Duration) {
	Init()
	outcomesTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// SetSchedulerState publishes the scheduler's counters.
func SetSchedulerState(active, buffered, groups int) {
	Init()
	activeJobs.Set(float64(active))
	bufferedJobs.Set(float64(buffered))
	trackedGroups.Set(float64(groups))
}

// ObserveThrottleWait records a timed wait for a throttled origin.
func ObserveThrottleWait(d time.Duration) {
	Init()
	throttleWaitSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest records one stats API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
