package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integracoes_events_ingested_total",
			Help: "Events accepted by the ingestion API, by source system and event type",
		},
		[]string{"source", "event_type"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integracoes_rate_limited_total",
			Help: "Ingestion requests rejected by the rate limiter",
		},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integracoes_jobs_enqueued_total",
			Help: "Processor jobs enqueued by priority tier",
		},
		[]string{"priority"},
	)

	// Processing
	EventsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integracoes_events_settled_total",
			Help: "Events that reached a terminal status",
		},
		[]string{"status"},
	)

	// Delivery
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integracoes_delivery_attempts_total",
			Help: "Webhook delivery attempts by target system and result",
		},
		[]string{"target", "result"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integracoes_delivery_duration_seconds",
			Help:    "Webhook delivery latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	DeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integracoes_dead_lettered_total",
			Help: "Events moved to the dead-letter store",
		},
	)

	RetriesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integracoes_retries_processed_total",
			Help: "Retry queue entries picked up by the poller",
		},
	)

	ClaimsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integracoes_claims_released_total",
			Help: "Delivery leases that expired and were returned to pending",
		},
	)

	// API
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integracoes_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(EventsSettled)
	prometheus.MustRegister(DeliveryAttempts)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(DeadLettered)
	prometheus.MustRegister(RetriesProcessed)
	prometheus.MustRegister(ClaimsReleased)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
