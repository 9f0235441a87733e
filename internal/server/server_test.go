package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feed_spider/internal/logger"
	"feed_spider/internal/metrics"
	"feed_spider/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRuns []models.RunLog

func (s staticRuns) LastRuns() []models.RunLog { return s }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.PageProcessed("sina")

	runs := staticRuns{{
		ID:           "run-1",
		Feed:         "sina",
		SourceURL:    "https://finance.sina.com.cn/7x24/?tag=102",
		Category:     "International",
		Duration:     2 * time.Second,
		ItemsScraped: 12,
		StopReason:   models.StopCaughtUp,
	}}

	srv := httptest.NewServer(New(":0", runs, reg, logger.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t)
	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t)
	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `feed_spider_pages_total{feed="sina"} 1`)
}

func TestServer_Runs(t *testing.T) {
	srv := newTestServer(t)

	resp, body := get(t, srv.URL+"/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []runView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "caught_up", views[0].StopReason)
	assert.Equal(t, 12, views[0].ScrapedCount)
	assert.Equal(t, 2.0, views[0].DurationSec)

	resp, body = get(t, srv.URL+"/runs/sina")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view runView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "run-1", view.ID)

	resp, _ = get(t, srv.URL+"/runs/english")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", staticRuns{}, prometheus.NewRegistry(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
