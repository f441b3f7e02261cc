package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tenant inventory metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otter_groups_total",
			Help: "Total number of scaling groups by tenant",
		},
		[]string{"tenant"},
	)

	PoliciesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otter_policies_total",
			Help: "Total number of scaling policies by tenant",
		},
		[]string{"tenant"},
	)

	WebhooksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otter_webhooks_total",
			Help: "Total number of policy webhooks by tenant",
		},
		[]string{"tenant"},
	)

	// Controller metrics
	PolicyExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otter_policy_executions_total",
			Help: "Total number of policy executions by outcome",
		},
		[]string{"outcome"},
	)

	// Scheduler metrics
	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otter_scheduler_ticks_total",
			Help: "Total number of scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	ScheduleEventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otter_schedule_events_processed_total",
			Help: "Total number of schedule events dispatched",
		},
	)

	ScheduleBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "otter_schedule_batch_size",
			Help:    "Number of due events fetched per scheduler batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	// Worker metrics
	ServerLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otter_server_launches_total",
			Help: "Total number of server launches by outcome",
		},
		[]string{"outcome"},
	)

	ServerDeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otter_server_deletes_total",
			Help: "Total number of server deletions by outcome",
		},
		[]string{"outcome"},
	)

	ServerActiveWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "otter_server_active_wait_seconds",
			Help:    "Seconds spent waiting for a launched server to go ACTIVE",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Webhook API metrics
	WebhookExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otter_webhook_executions_total",
			Help: "Total number of capability webhook executions by status",
		},
		[]string{"status"},
	)
)

// Outcome label values shared by the counters above.
const (
	OutcomeSuccess = "success"
	OutcomeRefused = "refused"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

func init() {
	// Register all metrics
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(PoliciesTotal)
	prometheus.MustRegister(WebhooksTotal)
	prometheus.MustRegister(PolicyExecutionsTotal)
	prometheus.MustRegister(SchedulerTicksTotal)
	prometheus.MustRegister(ScheduleEventsProcessed)
	prometheus.MustRegister(ScheduleBatchSize)
	prometheus.MustRegister(ServerLaunchesTotal)
	prometheus.MustRegister(ServerDeletesTotal)
	prometheus.MustRegister(ServerActiveWaitSeconds)
	prometheus.MustRegister(WebhookExecutionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
