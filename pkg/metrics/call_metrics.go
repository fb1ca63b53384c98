package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for the session registry, relay and client negotiation engine
var (
	// Session lifecycle
	CallStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of calls started",
	}, []string{"kind", "is_group"})

	CallAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_accepted_total",
		Help: "Total number of first-time call accepts",
	})

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of calls ended",
	}, []string{"reason"}) // "hangup", "last_leaver", "ring_timeout"

	CallActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active",
		Help: "Current number of open call sessions",
	})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Call duration from start to end",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallHistoryRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_history_records_total",
		Help: "Total number of call history records written",
	}, []string{"status"})

	CallHistoryWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_history_write_errors_total",
		Help: "Total number of failed call history writes",
	})

	CallCalleeBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_callee_busy_total",
		Help: "Total number of invitees skipped because they were already in a call",
	})

	// Relay
	CallSignalsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signals_relayed_total",
		Help: "Total number of call_signal payloads routed",
	}, []string{"status"}) // "delivered", "dropped"

	CallSignalRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_signal_rejected_total",
		Help: "Total number of signals from users who are not in the call",
	})

	// Client negotiation engine
	PeerGlareRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_glare_rollbacks_total",
		Help: "Total number of polite rollbacks during offer collisions",
	})

	PeerICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_ice_restarts_total",
		Help: "Total number of ICE restarts attempted",
	})

	PeerRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peer_removed_total",
		Help: "Total number of peer links torn down",
	}, []string{"reason"}) // "disconnected", "failed", "closed", "left"

	// Signaling socket
	SignalingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_websocket_connections",
		Help: "Current number of signaling websocket connections",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_total",
		Help: "Total number of signaling messages",
	}, []string{"type", "direction"})

	SignalingSlowConsumerTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_slow_consumer_total",
		Help: "Total number of connections dropped because their send buffer was full",
	})

	SignalingRedisSubscriptionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_redis_subscription_active",
		Help: "1 while the cross-instance signal subscription is running",
	})
)

// Push notifications
var (
	PushNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_notifications_total",
		Help: "Total number of push deliveries by outcome",
	}, []string{"voip", "status"})
)

// HTTP
var (
	HTTPRequestTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_request_timeouts_total",
		Help: "Total number of REST requests that ran past their deadline",
	})
)
