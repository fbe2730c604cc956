// Package metrics provides Prometheus instrumentation for the defusal client.
// It exposes a gauge for the connection status, counters for reconnects,
// reconciled state updates, chat traffic and intents, and the HTTP handler
// that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionStatus holds the numeric transport status
	// (0 disconnected, 1 connecting, 2 connected, 3 reconnect failed).
	ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "defusal_connection_status",
		Help: "Current transport status (0=disconnected 1=connecting 2=connected 3=reconnect_failed)",
	})

	// ReconnectAttempts counts dial attempts made after a drop or a failed
	// initial connect, labeled by result: "success" or "failure".
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "defusal_reconnect_attempts_total",
		Help: "Reconnect attempts by result",
	}, []string{"result"})

	// StateUpdates counts inbound gameState payloads by reconcile outcome:
	// "timer", "full", "fallback", "stale" or "malformed".
	StateUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "defusal_state_updates_total",
		Help: "Inbound game state updates by reconcile outcome",
	}, []string{"outcome"})

	// ChatMessages counts chat messages by direction: "sent", "received" or
	// "dropped" (stale or malformed echoes).
	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "defusal_chat_messages_total",
		Help: "Chat messages by direction",
	}, []string{"direction"})

	// IntentsSent counts outbound intents by channel.
	IntentsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "defusal_intents_sent_total",
		Help: "Outbound intents written to the transport",
	}, []string{"channel"})

	// PreconditionErrors counts intents rejected locally, by intent name.
	PreconditionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "defusal_precondition_errors_total",
		Help: "Intents rejected before reaching the wire",
	}, []string{"intent"})
)

func init() {
	prometheus.MustRegister(
		ConnectionStatus,
		ReconnectAttempts,
		StateUpdates,
		ChatMessages,
		IntentsSent,
		PreconditionErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
