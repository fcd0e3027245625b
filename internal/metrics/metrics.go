// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg = prometheus.NewRegistry()

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repack_jobs_total",
		Help: "Jobs that reached a terminal status, by status.",
	}, []string{"status"})

	jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repack_jobs_in_flight",
		Help: "Pipelines currently executing.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repack_queue_depth",
		Help: "Jobs waiting on the broker queue.",
	})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repack_ws_connections",
		Help: "Live progress-gateway WebSocket connections.",
	})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repack_pipeline_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})
)

func init() {
	reg.MustRegister(jobsTotal, jobsInFlight, queueDepth, wsConnections, stageDuration)
}

// Handler returns the Prometheus exposition handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// JobFinished records a terminal transition.
func JobFinished(status string) { jobsTotal.WithLabelValues(status).Inc() }

// PipelineStarted / PipelineDone bracket one pipeline attempt.
func PipelineStarted() { jobsInFlight.Inc() }
func PipelineDone()    { jobsInFlight.Dec() }

// SetQueueDepth publishes the broker backlog.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// WSConnected / WSDisconnected track gateway connections.
func WSConnected()    { wsConnections.Inc() }
func WSDisconnected() { wsConnections.Dec() }

// ObserveStage records the duration of one completed stage.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
