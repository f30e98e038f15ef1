package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_ratelimit_decisions_total",
			Help: "Admission decisions by endpoint and result",
		},
		[]string{"endpoint", "result", "most_restrictive"},
	)

	RateLimitStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_ratelimit_store_errors_total",
			Help: "Counter store failures during admission, by policy outcome",
		},
		[]string{"outcome"},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_jobs_enqueued_total",
			Help: "Jobs accepted by the queue",
		},
		[]string{"queue"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_jobs_finished_total",
			Help: "Job attempts by outcome (completed, retry, failed)",
		},
		[]string{"queue", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docpipe_job_duration_seconds",
			Help:    "Handler execution time per attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	StageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_stage_transitions_total",
			Help: "Enhancement run transitions by target stage",
		},
		[]string{"from", "to"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docpipe_webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docpipe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// Register adds every collector to reg. Call once per process.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RateLimitDecisions,
		RateLimitStoreErrors,
		JobsEnqueued,
		JobsFinished,
		JobDuration,
		StageTransitions,
		WebhookDeliveries,
		WebhookDeliveryDuration,
		HTTPRequests,
		HTTPRequestDuration,
	)
}
