package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 连接与协议层指标
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qchat_active_connections",
		Help: "Current number of open client connections.",
	})

	AuthenticatedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qchat_authenticated_sessions",
		Help: "Current number of authenticated sessions.",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qchat_connections_rejected_total",
		Help: "Connections rejected at accept time.",
	}, []string{"reason"}) // 'global_cap' | 'ip_cap' | 'throttle'

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qchat_protocol_violations_total",
		Help: "Frames rejected for violating the wire protocol.",
	})
)

// 业务指标
var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qchat_messages_sent_total",
		Help: "Messages persisted by send_message.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qchat_messages_delivered_total",
		Help: "Messages pushed to a live connection.",
	})

	MessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qchat_messages_queued_total",
		Help: "Pushes diverted to the offline queue.",
	})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qchat_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter.",
	}, []string{"endpoint"})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qchat_push_failures_total",
		Help: "Outbound pushes that found no live session.",
	})
)
