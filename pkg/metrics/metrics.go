// Package metrics exposes Prometheus counters and histograms for transfer
// observability.
//
// # Overview
//
// The metrics package provides:
//   - Per-stage resource counters with outcome labels
//   - Transferred byte counters for binary attachments
//   - Stage duration histograms
//   - Connector request latency tracking
//
// All collectors register themselves with the default Prometheus registry
// at package load.
//
// # Basic Usage
//
//	metrics.ResourcesProcessed.WithLabelValues("fetch", "articles", "success").Inc()
//
//	start := time.Now()
//	runStage(ctx)
//	metrics.StageDuration.WithLabelValues("index").Observe(time.Since(start).Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResourcesProcessed counts resources handled per stage and outcome.
	// Labels: stage (index/fetch/push), type (resource type), status
	// (success/failure).
	ResourcesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transporter_resources_processed_total",
			Help: "Total number of resources processed per stage",
		},
		[]string{"stage", "type", "status"},
	)

	// BytesTransferred counts binary attachment bytes moved in each
	// direction. Labels: direction (fetch/push).
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transporter_bytes_transferred_total",
			Help: "Total binary attachment bytes transferred",
		},
		[]string{"direction"},
	)

	// RetryAttempts counts retried operations per stage.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transporter_retry_attempts_total",
			Help: "Total number of retried operations",
		},
		[]string{"stage"},
	)

	// StageDuration tracks how long each pipeline stage runs.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "transporter_stage_duration_seconds",
			Help: "Pipeline stage duration in seconds",
			Buckets: []float64{
				1,    // trivial runs
				10,   // small journals
				60,   // typical index pass
				300,  // typical fetch pass
				1800, // large fetch or push passes
				7200, // full multi-journal migrations
			},
		},
		[]string{"stage"},
	)

	// RequestLatency tracks connector request latencies.
	// Labels: server, operation (list/detail/file/push).
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transporter_request_latency_seconds",
			Help:    "Connector request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "operation"},
	)
)

// ObserveStage records one stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Timer measures one operation's latency into RequestLatency.
type Timer struct {
	server    string
	operation string
	start     time.Time
}

// NewTimer starts a latency timer for one connector operation.
func NewTimer(server, operation string) *Timer {
	return &Timer{server: server, operation: operation, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	RequestLatency.WithLabelValues(t.server, t.operation).Observe(d.Seconds())
	return d
}
