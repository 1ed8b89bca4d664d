package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	anchorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	anchorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anchor_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	anchorSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_submissions_total",
		Help: "Anchor submissions by path (api, single, batch) and outcome.",
	}, []string{"path", "outcome"})

	anchorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_write_retries_total",
		Help: "Ledger write retries by reason.",
	}, []string{"reason"})

	anchorConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchor_confirmation_latency_seconds",
		Help:    "Time from submission to confirmation at the configured depth.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	anchorReorgsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_reorg_downgrades_total",
		Help: "Confirmed records downgraded after a ledger reorganisation.",
	})

	anchorBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchor_batch_size",
		Help:    "Number of fingerprints per batch write.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 75, 100},
	})

	anchorVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_verifications_total",
		Help: "Verifications by result (absent, anchored, match, error).",
	}, []string{"result"})

	anchorWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		anchorRequestsTotal.WithLabelValues(method, path, status).Inc()
		anchorRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Metrics records anchoring events in the package's Prometheus collectors.
// It satisfies service.MetricsRecorder.
type Metrics struct{}

// RecordSubmission counts a submission outcome.
func (Metrics) RecordSubmission(path, outcome string) {
	anchorSubmissionsTotal.WithLabelValues(path, outcome).Inc()
}

// RecordRetry counts a write retry.
func (Metrics) RecordRetry(reason string) {
	anchorRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordConfirmation observes the submission-to-confirmation latency.
func (Metrics) RecordConfirmation(latency time.Duration) {
	anchorConfirmationLatency.Observe(latency.Seconds())
}

// RecordReorg counts a reorg downgrade.
func (Metrics) RecordReorg() { anchorReorgsTotal.Inc() }

// RecordBatchSize observes the size of a batch write.
func (Metrics) RecordBatchSize(n int) { anchorBatchSize.Observe(float64(n)) }

// RecordVerification counts a verification result.
func (Metrics) RecordVerification(result string) {
	anchorVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordWebhookDelivery counts one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	anchorWebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}
