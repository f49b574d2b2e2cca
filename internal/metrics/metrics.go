// Package metrics exposes Prometheus metrics for sync runs and the lookup API.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "postal_sync"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RowsTotal        *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	DownloadedBytes  *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	LastSuccess      prometheus.Gauge
	APIRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by effective mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	m.RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows handled by operation",
		},
		[]string{"operation"}, // "landed", "added", "updated", "deleted"
	)

	m.DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed feed lines skipped",
		},
		[]string{"feed"},
	)

	m.DownloadedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Archive bytes downloaded",
		},
		[]string{"feed"},
	)

	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"mode"},
	)

	m.LastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last succeeded run",
		},
	)

	m.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Lookup API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	m.registry.MustRegister(
		m.RunsTotal,
		m.RowsTotal,
		m.DecodeErrors,
		m.DownloadedBytes,
		m.RunDuration,
		m.LastSuccess,
		m.APIRequestsTotal,
	)

	return m
}

// RecordRun counts a finished run and its row totals.
func (m *Metrics) RecordRun(mode models.Mode, outcome models.RunOutcome, duration time.Duration) {
	m.RunsTotal.WithLabelValues(string(mode), string(outcome.Status)).Inc()
	m.RunDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())

	m.RowsTotal.WithLabelValues("landed").Add(float64(outcome.LandedRows))
	m.RowsTotal.WithLabelValues("added").Add(float64(outcome.AddedRows))
	m.RowsTotal.WithLabelValues("updated").Add(float64(outcome.UpdatedRows))
	m.RowsTotal.WithLabelValues("deleted").Add(float64(outcome.DeletedRows))

	if outcome.Status == models.RunStatusSucceeded {
		m.LastSuccess.SetToCurrentTime()
	}
}

func (m *Metrics) RecordDecodeErrors(kind models.FeedKind, count int) {
	m.DecodeErrors.WithLabelValues(string(kind)).Add(float64(count))
}

func (m *Metrics) RecordDownload(kind models.FeedKind, bytes int64) {
	m.DownloadedBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}

func (m *Metrics) RecordRequest(route string, code int) {
	m.APIRequestsTotal.WithLabelValues(route, fmt.Sprint(code)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the registry to a Pushgateway. The sync command is short-lived,
// so scraping would miss it.
func (m *Metrics) Push(ctx context.Context, url string, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("error pushing metrics to %s: %w", url, err)
	}
	return nil
}
