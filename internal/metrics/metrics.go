// Package metrics provides Prometheus instrumentation for AgentChatBus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchatbus_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentchatbus_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchatbus_active_agents",
		Help: "Number of currently online agents.",
	})

	OpenThreads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchatbus_open_threads",
		Help: "Number of threads not in closed or archived state.",
	})

	MessagesPostedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchatbus_messages_posted_total",
		Help: "Total number of messages successfully posted.",
	})

	MessagesBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchatbus_messages_blocked_total",
		Help: "Total number of messages blocked by policy, labeled by reason.",
	}, []string{"reason"})

	ThreadsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchatbus_threads_swept_total",
		Help: "Total number of threads auto-closed by the inactivity sweeper.",
	})
)

// Event-stream metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchatbus_ws_connections_active",
		Help: "Number of active streaming-RPC WebSocket connections.",
	})

	WSEventsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchatbus_ws_events_sent_total",
		Help: "Total number of events pushed to streaming subscribers.",
	})

	WaitCallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchatbus_wait_calls_active",
		Help: "Number of in-flight msg.wait long-poll calls.",
	})
)
