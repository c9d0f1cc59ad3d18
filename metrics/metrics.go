// Package metrics exposes Prometheus collectors for the training backend.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts accepted training job submissions.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "training_jobs_submitted_total",
		Help: "Number of training jobs accepted into the queue.",
	})

	// JobsFinished counts terminal job outcomes by status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "training_jobs_finished_total",
		Help: "Number of training jobs reaching a terminal status.",
	}, []string{"status"})

	// QueueDepth tracks the number of PENDING jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "training_queue_depth",
		Help: "Number of jobs waiting in the queue.",
	})

	// StreamSubscribers tracks attached SSE observers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "training_stream_subscribers",
		Help: "Number of attached progress stream subscribers.",
	})

	// BreakerTrips counts circuit breaker activations by breaker type.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "training_circuit_breaker_trips_total",
		Help: "Number of circuit breaker trips by type.",
	}, []string{"breaker"})

	// StageTransitions counts lifecycle stage changes.
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "training_stage_transitions_total",
		Help: "Number of configuration lifecycle stage transitions.",
	}, []string{"from", "to"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Middleware records request latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDuration.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
