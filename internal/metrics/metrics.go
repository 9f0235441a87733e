// Package metrics exposes Prometheus metrics for crawl runs.
package metrics

import (
	"feed_spider/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "feed_spider"

// Item outcomes recorded by ItemProcessed.
const (
	ItemInserted  = "inserted"
	ItemSkipped   = "skipped"
	ItemCaughtUp  = "caught_up"
	ItemFailed    = "insert_failed"
	ItemDuplicate = "duplicate"
)

// Metrics holds all run metrics. A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RunsInFlight       prometheus.Gauge
	ItemsTotal         *prometheus.CounterVec
	PagesTotal         *prometheus.CounterVec
	LastRunTimestamp   *prometheus.GaugeVec
}

// NewMetrics creates and registers the metrics on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_total",
				Help:      "Completed runs by feed and stop reason",
			},
			[]string{"feed", "stop_reason"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
			},
			[]string{"feed"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "runs_in_flight",
				Help:      "Number of runs currently executing",
			},
		),
		ItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "items_total",
				Help:      "Feed entries processed by outcome",
			},
			[]string{"feed", "outcome"},
		),
		PagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "pages_total",
				Help:      "Pages processed",
			},
			[]string{"feed"},
		),
		LastRunTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run of a feed ended",
			},
			[]string{"feed"},
		),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

func (m *Metrics) RunFinished(run *models.RunLog) {
	if m == nil {
		return
	}
	m.RunsInFlight.Dec()
	m.RunsTotal.WithLabelValues(run.Feed, string(run.StopReason)).Inc()
	m.RunDurationSeconds.WithLabelValues(run.Feed).Observe(run.Duration.Seconds())
	m.LastRunTimestamp.WithLabelValues(run.Feed).Set(float64(run.EndTime.Unix()))
}

func (m *Metrics) PageProcessed(feed string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(feed).Inc()
}

func (m *Metrics) ItemProcessed(feed, outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(feed, outcome).Inc()
}
