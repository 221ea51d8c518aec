package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	checkoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkouts_total",
			Help: "Total number of checkout attempts by outcome",
		},
		[]string{"outcome"},
	)

	paymentsReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_reconciled_total",
			Help: "Total number of payment confirmations processed by result",
		},
		[]string{"result"},
	)

	integrityAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_alerts_total",
			Help: "Invariant violations needing manual reconciliation",
		},
		[]string{"source"},
	)

	outboxRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Outbox events re-emitted by the relay",
		},
		[]string{"topic"},
	)

	notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications sent",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(checkoutsTotal)
	prometheus.MustRegister(paymentsReconciledTotal)
	prometheus.MustRegister(integrityAlertsTotal)
	prometheus.MustRegister(outboxRelayedTotal)
	prometheus.MustRegister(notificationsSentTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordCheckout(outcome string) {
	checkoutsTotal.WithLabelValues(outcome).Inc()
}

func RecordPaymentReconciled(result string) {
	paymentsReconciledTotal.WithLabelValues(result).Inc()
}

// RecordIntegrityAlert marks a state that requires manual review; these are
// never visible to end users.
func RecordIntegrityAlert(source string) {
	integrityAlertsTotal.WithLabelValues(source).Inc()
}

func RecordOutboxRelayed(topic string) {
	outboxRelayedTotal.WithLabelValues(topic).Inc()
}

func RecordNotificationSent(eventType string) {
	notificationsSentTotal.WithLabelValues(eventType).Inc()
}
