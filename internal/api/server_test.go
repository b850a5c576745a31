package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/queue/memory"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
)

type fakeStats struct {
	snap scheduler.Snapshot
	err  error
}

func (f *fakeStats) Snapshot(context.Context) (scheduler.Snapshot, error) {
	return f.snap, f.err
}

type fakeEnqueuer struct {
	urls []string
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ *crawler.Spider, urls ...string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.urls = append(f.urls, urls...)
	return len(urls), nil
}

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Options{}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Options{}), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "groupcrawl_")
}

func TestStats(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	require.NoError(t, q.Push(context.Background(), crawler.CrawlJob{ID: "a", URL: "https://example.com/"}))
	stats := &fakeStats{snap: scheduler.Snapshot{
		Active:   2,
		Buffered: 3,
		Groups: []scheduler.GroupStats{
			{Origin: "example.com", Active: 1, Buffered: 2},
			{Origin: "example.org", Active: 1, Buffered: 1},
		},
	}}
	s := NewServer(Options{Stats: stats, Queue: q})

	rec := serve(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Active   int                    `json:"active"`
		Buffered int                    `json:"buffered"`
		Pending  int                    `json:"pending"`
		Groups   []scheduler.GroupStats `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 2, got.Active)
	require.Equal(t, 3, got.Buffered)
	require.Equal(t, 1, got.Pending)
	require.Len(t, got.Groups, 2)

	rec = serve(t, s, http.MethodGet, "/v1/stats/groups/example.org", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"origin":"example.org"`)

	rec = serve(t, s, http.MethodGet, "/v1/stats/groups/unknown.net", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsUnavailable(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Options{}), http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := NewServer(Options{Stats: &fakeStats{err: errors.New("stream closed")}})
	rec = serve(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "stream closed")
}

func TestSubmitURLs(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	spider := &crawler.Spider{Name: "test"}
	s := NewServer(Options{Enqueuer: enq, Spider: spider})

	rec := serve(t, s, http.MethodPost, "/v1/urls", []byte(`{"urls":["https://example.com/a","https://example.com/b"]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"queued":2}`, rec.Body.String())
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, enq.urls)

	rec = serve(t, s, http.MethodPost, "/v1/urls", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/urls", []byte(`{"urls":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	enq.err = crawler.ErrQueueClosed
	rec = serve(t, s, http.MethodPost, "/v1/urls", []byte(`{"urls":["https://example.com/c"]}`))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitURLsDisabled(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Options{}), http.MethodPost, "/v1/urls", []byte(`{"urls":["https://example.com"]}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(Options{}).Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
