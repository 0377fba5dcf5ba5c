package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merge_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Socket metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "merge_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	AgentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "merge_agents_online",
			Help: "Agents with at least one open WebSocket connection",
		},
	)

	WSFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_ws_frames_received_total",
			Help: "Inbound WebSocket frames by type",
		},
		[]string{"type"},
	)

	FanoutWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "merge_fanout_write_failures_total",
			Help: "WebSocket writes that failed during fan-out",
		},
	)

	HeartbeatTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "merge_heartbeat_terminations_total",
			Help: "Connections closed for missing a heartbeat",
		},
	)

	// Business metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_tasks_created_total",
			Help: "Total tasks created",
		},
		[]string{"target"}, // agent_id, agent_name, skill, broadcast, none
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_task_transitions_total",
			Help: "Task state transitions by resulting status",
		},
		[]string{"status"},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_messages_posted_total",
			Help: "Total room messages posted",
		},
		[]string{"kind"}, // "room" or "direct"
	)

	SweepEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "merge_sweep_evictions_total",
			Help: "Agents evicted by the liveness sweep",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Journal metrics
	JournalDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "merge_journal_dropped_total",
			Help: "Journal entries dropped because the buffer was full",
		},
	)

	JournalWriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merge_journal_write_seconds",
			Help:    "Journal write latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"backend"},
	)
)
