// Package metrics holds the hub's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Chat metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_active_rooms",
			Help: "Rooms currently alive",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_active_sessions",
			Help: "Sessions currently joined to a room",
		},
	)

	MessagesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_messages_broadcast_total",
			Help: "Sequenced messages broadcast to rooms",
		},
		[]string{"kind"}, // "human", "ai", "ai_failure", "system"
	)

	SlowConsumerEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_slow_consumer_evictions_total",
			Help: "Sessions closed because their outbound mailbox was full",
		},
	)

	// AI metrics
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_ai_requests_total",
			Help: "AI requests by terminal status",
		},
		[]string{"status"}, // "completed", "failed", "timed_out"
	)

	AILatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "huddle_ai_latency_seconds",
			Help:    "Time from dispatch to terminal AI status",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	AITriggersRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_ai_triggers_rejected_total",
			Help: "AI triggers rejected because a request was already pending",
		},
	)

	// Persistence metrics
	PersistDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_persist_dropped_total",
			Help: "Messages dropped because the write-behind queue was full",
		},
	)

	PersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_persist_errors_total",
			Help: "Messages the store failed to save",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"scope"}, // "api", "login", "ws"
	)
	RateLimitKeysPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_rate_limit_keys_pruned_total",
			Help: "Idle REST rate limit keys forgotten by cleanup",
		},
	)
)
