// Package vcmetrics holds the Prometheus collectors for the host agent and
// the rendezvous server. Each role gets its own collector so a binary only
// registers the metrics it can actually produce.
package vcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vibecoder"

// Label names.
const (
	labelResult  = "result"
	labelOutcome = "outcome"
	labelType    = "type"
	labelRole    = "role"
	labelReason  = "reason"
	labelKind    = "kind"
)

// Host holds the host agent metrics.
type Host struct {
	// SessionsActive tracks sessions currently present in the ledger.
	SessionsActive prometheus.Gauge

	// AuthAttempts counts TOTP verifications by result.
	AuthAttempts *prometheus.CounterVec

	// PeerChannelsActive tracks open peer channels across all sessions.
	PeerChannelsActive prometheus.Gauge

	// AssistantProcesses tracks live assistant processes.
	AssistantProcesses prometheus.Gauge

	// CommandsExecuted counts assistant commands by outcome.
	CommandsExecuted *prometheus.CounterVec

	// CommandDuration observes wall-clock seconds per assistant command.
	CommandDuration prometheus.Histogram

	// OutputDropped counts assistant output events dropped because a
	// subscriber buffer was full.
	OutputDropped prometheus.Counter

	// SignalingReconnects counts reconnect attempts to the rendezvous.
	SignalingReconnects prometheus.Counter
}

// NewHost creates the host collector registered against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewHost(reg prometheus.Registerer) *Host {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	h := &Host{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the ledger.",
		}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "auth_attempts_total",
			Help:      "TOTP verification attempts by result.",
		}, []string{labelResult}),
		PeerChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "peer_channels_active",
			Help:      "Number of open WebRTC peer channels.",
		}),
		AssistantProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "assistant_processes",
			Help:      "Number of live assistant processes.",
		}),
		CommandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "commands_total",
			Help:      "Assistant commands by outcome.",
		}, []string{labelOutcome}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of assistant commands.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		OutputDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "output_dropped_total",
			Help:      "Assistant output events dropped on full subscriber buffers.",
		}),
		SignalingReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "signaling_reconnects_total",
			Help:      "Reconnect attempts to the rendezvous server.",
		}),
	}

	reg.MustRegister(
		h.SessionsActive,
		h.AuthAttempts,
		h.PeerChannelsActive,
		h.AssistantProcesses,
		h.CommandsExecuted,
		h.CommandDuration,
		h.OutputDropped,
		h.SignalingReconnects,
	)

	return h
}

// RecordAuthAttempt counts one TOTP verification with the given result
// ("success", "bad_code", "unknown_session", "expired", "revoked").
func (h *Host) RecordAuthAttempt(result string) {
	h.AuthAttempts.WithLabelValues(result).Inc()
}

// RecordCommand counts one assistant command with the given outcome
// ("completed", "timeout", "rejected", "busy", "failed", "canceled") and
// observes its duration in seconds.
func (h *Host) RecordCommand(outcome string, seconds float64) {
	h.CommandsExecuted.WithLabelValues(outcome).Inc()
	h.CommandDuration.Observe(seconds)
}

// Rendezvous holds the rendezvous server metrics.
type Rendezvous struct {
	// SessionsActive tracks signaling sessions currently tracked.
	SessionsActive prometheus.Gauge

	// ConnectionsActive tracks attached sockets by role ("host", "client").
	ConnectionsActive *prometheus.GaugeVec

	// MessagesRouted counts forwarded signaling messages by type.
	MessagesRouted *prometheus.CounterVec

	// MessagesDropped counts messages that could not be forwarded, by reason.
	MessagesDropped *prometheus.CounterVec

	// PendingBuffered counts offers and candidates parked for an absent host.
	PendingBuffered *prometheus.CounterVec

	// SessionsReaped counts sessions removed by the inactivity sweeper.
	SessionsReaped prometheus.Counter
}

// NewRendezvous creates the rendezvous collector registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewRendezvous(reg prometheus.Registerer) *Rendezvous {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Rendezvous{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "sessions_active",
			Help:      "Number of signaling sessions currently tracked.",
		}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "connections_active",
			Help:      "Attached WebSocket connections by role.",
		}, []string{labelRole}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "messages_routed_total",
			Help:      "Signaling messages forwarded to a peer, by message type.",
		}, []string{labelType}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "messages_dropped_total",
			Help:      "Signaling messages that could not be forwarded, by reason.",
		}, []string{labelReason}),
		PendingBuffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "pending_buffered_total",
			Help:      "Offers and ICE candidates buffered while the host is absent.",
		}, []string{labelKind}),
		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rendezvous",
			Name:      "sessions_reaped_total",
			Help:      "Signaling sessions removed after prolonged inactivity.",
		}),
	}

	reg.MustRegister(
		r.SessionsActive,
		r.ConnectionsActive,
		r.MessagesRouted,
		r.MessagesDropped,
		r.PendingBuffered,
		r.SessionsReaped,
	)

	return r
}

// RecordRouted counts one forwarded message of the given wire type.
func (r *Rendezvous) RecordRouted(msgType string) {
	r.MessagesRouted.WithLabelValues(msgType).Inc()
}

// RecordDropped counts one undeliverable message with the given reason
// ("no_host", "no_client", "bad_json", "unknown_type", "binary").
func (r *Rendezvous) RecordDropped(reason string) {
	r.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordBuffered counts one parked "offer" or "candidate".
func (r *Rendezvous) RecordBuffered(kind string) {
	r.PendingBuffered.WithLabelValues(kind).Inc()
}
