package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_requested_total",
		Help: "Total number of booking requests that created a pending pass",
	})

	BookingsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_failed_total",
		Help: "Total number of rejected or failed booking requests",
	}, []string{"reason"})

	ReconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_outcomes_total",
		Help: "Reconciliation results by trigger source and outcome",
	}, []string{"source", "outcome"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"operation"})

	PassesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passes_expired_total",
		Help: "Total number of pending passes expired by the sweeper",
	})

	EntriesRedeemedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entries_redeemed_total",
		Help: "Total number of entry tokens scanned",
	})

	RedemptionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemptions_rejected_total",
		Help: "Total number of rejected entry scans",
	}, []string{"reason"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Total number of webhook deliveries rejected before reconciliation",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
