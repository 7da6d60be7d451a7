// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_online_users",
		Help: "Number of identities with a registered live connection.",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_connections_total",
		Help: "Total websocket connections accepted after authentication.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_sent_total",
		Help: "Messages accepted and persisted at status sent.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_delivered_total",
		Help: "Messages pushed to a reachable receiver at status delivered.",
	})

	MessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_read_total",
		Help: "Messages advanced to status read.",
	})

	TypingRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_typing_relayed_total",
		Help: "Typing signals relayed to a reachable receiver.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_events_dropped_total",
		Help: "Events dropped because a subscriber queue was full.",
	})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_store_errors_total",
		Help: "Persistence calls that returned an error.",
	})
)
