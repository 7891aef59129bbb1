// Package metrics registers the Prometheus instruments for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCycles counts incremental poll cycles by outcome (success, failure,
	// skipped).
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavesync_sync_cycles_total",
			Help: "Incremental sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	// StatusCheckCycles counts status-checker cycles by outcome.
	StatusCheckCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavesync_status_check_cycles_total",
			Help: "Status-check cycles by outcome",
		},
		[]string{"outcome"},
	)

	// CallbackEvents counts POST callback events by outcome (dispatched,
	// queued, ignored, crypto_rejected).
	CallbackEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavesync_callback_events_total",
			Help: "Push callback events by outcome",
		},
		[]string{"outcome"},
	)

	// UpstreamRequests counts WeCom API calls by endpoint and result.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavesync_upstream_requests_total",
			Help: "Upstream WeCom API requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	// RateLimitRetries counts per-item 45009 retries in the batch fetcher.
	RateLimitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leavesync_rate_limit_retries_total",
			Help: "Retries triggered by upstream 45009 throttling",
		},
	)

	// ActiveApprovals gauges the size of the active (pending) index.
	ActiveApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leavesync_active_approvals",
			Help: "Approvals currently tracked in the active index",
		},
	)

	// CallbackQueueDepth gauges the lock-busy callback queue.
	CallbackQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leavesync_callback_queue_depth",
			Help: "Callback events waiting for the sync lock",
		},
	)
)
