package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	ExchangeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbwatch_exchange_requests_total",
			Help: "Total number of exchange API requests by outcome",
		},
		[]string{"exchange", "operation", "status"},
	)
	ExchangeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbwatch_exchange_request_duration_seconds",
			Help:    "Duration of exchange API requests including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange", "operation"},
	)
	ExchangeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbwatch_exchange_retries_total",
			Help: "Total number of retried exchange API attempts",
		},
		[]string{"exchange"},
	)

	PriceSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbwatch_price_samples_total",
			Help: "Price samples by outcome",
		},
		[]string{"exchange", "status"},
	)

	OpportunitiesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbwatch_opportunities_detected_total",
			Help: "Opportunity candidates produced by the engine",
		},
	)
	OpportunityUpsertErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbwatch_opportunity_upsert_errors_total",
			Help: "Opportunity candidates dropped because the upsert failed",
		},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbwatch_alerts_total",
			Help: "Alert notifications by outcome",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbwatch_jobs_total",
			Help: "Processed queue jobs by kind and outcome",
		},
		[]string{"kind", "status"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbwatch_job_duration_seconds",
			Help:    "Duration of queue job attempts",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	ScheduledRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbwatch_scheduled_runs_total",
			Help: "Scheduled task triggers by outcome",
		},
		[]string{"task", "status"},
	)
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ExchangeRequestsTotal,
		ExchangeRequestDuration,
		ExchangeRetriesTotal,
		PriceSamplesTotal,
		OpportunitiesDetected,
		OpportunityUpsertErrors,
		AlertsTotal,
		JobsTotal,
		JobDuration,
		ScheduledRunsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
