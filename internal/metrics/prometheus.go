// Package metrics provides Prometheus metrics collection for the gateway.
// It tracks admission decisions, upstream forwarding latency, usage
// recording, and settlement outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// UpstreamLatencyBuckets defines histogram buckets for upstream call
// latency (in seconds).
var UpstreamLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

var (
	// ProxyRequestsTotal counts proxied requests by resource, method and status.
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxy requests",
		},
		[]string{"resource", "method", "status_code"},
	)

	// AdmissionRejections counts rejected calls by reason.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Total number of calls rejected before forwarding",
		},
		[]string{"reason"},
	)

	// UpstreamLatency tracks upstream call latency per resource.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   UpstreamLatencyBuckets,
		},
		[]string{"resource"},
	)

	// UpstreamRetries counts retry attempts against upstreams.
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of upstream retry attempts",
		},
		[]string{"resource"},
	)

	// UsageRecordFailures counts usage records that could not be persisted.
	UsageRecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_record_failures_total",
			Help:      "Total number of usage records dropped due to storage errors",
		},
	)

	// SettlementCycles counts settlement cycles by outcome.
	SettlementCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_cycles_total",
			Help:      "Total number of settlement cycles",
		},
		[]string{"result"},
	)

	// SettlementRecords counts usage records by final settlement status.
	SettlementRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_records_total",
			Help:      "Total number of usage records moved to a terminal settlement status",
		},
		[]string{"status"},
	)

	// RateLimiterBackendErrors counts failures of the distributed limiter backend.
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_backend_errors_total",
			Help:      "Total number of distributed rate limiter backend errors",
		},
		[]string{"action"},
	)
)
