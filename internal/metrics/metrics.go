package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts counts API key validations by result (ok, invalid, error).
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkpress_auth_attempts_total",
		Help: "Total number of API key validation attempts",
	}, []string{"result"})

	// AuthDenials counts authenticated requests denied by reason.
	AuthDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkpress_auth_denials_total",
		Help: "Total number of requests denied after authentication",
	}, []string{"reason"})

	// UsageEvents counts usage events by outcome (recorded, dropped, failed).
	UsageEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkpress_usage_events_total",
		Help: "Total number of usage events handled by the recorder",
	}, []string{"result"})

	// UsageQueueDepth tracks events waiting to be persisted
	UsageQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inkpress_usage_queue_depth",
		Help: "Number of usage events waiting in the recorder queue",
	})

	// HTTPRequestDuration tracks request latency by route and status class
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inkpress_http_request_duration_seconds",
		Help:    "Histogram of HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)
