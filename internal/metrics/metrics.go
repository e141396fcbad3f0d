package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtrack_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_webhook_events_total",
			Help: "Webhook events by type and outcome (processed, skipped, rejected, error)",
		},
		[]string{"event_type", "outcome"},
	)

	webhookBatchesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_webhook_batches_rejected_total",
			Help: "Whole webhook batches rejected before processing",
		},
		[]string{"reason"},
	)

	openRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_open_rejections_total",
			Help: "Open events rejected by the authenticity classifier, by reason code",
		},
		[]string{"reason"},
	)

	emailsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtrack_emails_sent_total",
			Help: "Outbound send attempts by result (sent, failed)",
		},
		[]string{"result", "email_type"},
	)

	stalePendingSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailtrack_stale_pending_swept_total",
			Help: "Pending records marked failed by the sweeper",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWebhookEvent records the outcome of one webhook event
func RecordWebhookEvent(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordWebhookBatchRejected records a batch-level rejection
func RecordWebhookBatchRejected(reason string) {
	webhookBatchesRejected.WithLabelValues(reason).Inc()
}

// RecordOpenRejection records a classifier rejection by reason code
func RecordOpenRejection(reason string) {
	openRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordEmailSent records an outbound send attempt
func RecordEmailSent(result, emailType string) {
	emailsSentTotal.WithLabelValues(result, emailType).Inc()
}

// RecordStalePendingSwept counts records closed out by the sweeper
func RecordStalePendingSwept(n int) {
	stalePendingSwept.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
