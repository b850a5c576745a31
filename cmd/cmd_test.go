package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`<a href="/next">next</a>`))
			return
		}
		_, _ = w.Write([]byte(`<p>done</p>`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	spiderFile := filepath.Join(dir, "spider.yml")
	def := fmt.Sprintf("name: local\nstart_url: %s/\nscraper:\n  follow: a\n", srv.URL)
	require.NoError(t, os.WriteFile(spiderFile, []byte(def), 0o600))

	out, err := execute(t, "crawl", spiderFile,
		"--threads", "2",
		"--group-throttle", "10ms",
		"--queue-path", filepath.Join(dir, "jobs.db"),
		"--log-level", "error",
	)
	require.NoError(t, err)
	require.Contains(t, out, srv.URL+"/\n")
	require.Contains(t, out, srv.URL+"/next\n")
	require.Equal(t, 2, strings.Count(out, srv.URL))
}

func TestCrawlCommandRequiresSpiderFile(t *testing.T) {
	_, err := execute(t, "crawl")
	require.Error(t, err)

	_, err = execute(t, "crawl", filepath.Join(t.TempDir(), "missing.yml"), "--log-level", "error")
	require.Error(t, err)
}

func TestCrawlCommandRejectsBadConfig(t *testing.T) {
	_, err := execute(t, "crawl", "spider.yml", "--threads", "0")
	require.ErrorContains(t, err, "crawl.threads")
}
