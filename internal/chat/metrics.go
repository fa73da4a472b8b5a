package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_sessions",
		Help: "Number of currently open sessions, registered or not",
	})

	RegisteredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_registered_users",
		Help: "Number of identities held by the registry",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Number of identities whose status is not offline",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_requests_total",
		Help: "Requests handled, by operation and status code",
	}, []string{"operation", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_request_duration_seconds",
		Help:    "Time to handle each request operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	BroadcastsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcasts_dispatched_total",
		Help: "Broadcast messages fanned out",
	})

	DirectMessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_direct_messages_delivered_total",
		Help: "Direct messages queued for their recipient",
	})

	PresenceEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_evictions_total",
		Help: "Sessions marked offline by the idle supervisor",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sessions_closed_total",
		Help: "Sessions torn down, by reason",
	}, []string{"reason"})

	RejectedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_rejected_connections_total",
		Help: "Connections closed at accept time by the rate limiter",
	})

	AcceptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_accept_errors_total",
		Help: "Failed accepts on the listener that were retried",
	})

	FanoutRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_restarts_total",
		Help: "Times the broadcast dispatcher was restarted after a failure",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectedSessions,
		RegisteredUsers,
		OnlineUsers,
		RequestsTotal,
		RequestDuration,
		BroadcastsDispatched,
		DirectMessagesDelivered,
		PresenceEvictions,
		SessionsClosed,
		RejectedConnections,
		AcceptErrors,
		FanoutRestarts,
	)
}
