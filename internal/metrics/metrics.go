package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes used as label values.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	// Relay Metrics
	RelayActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitechat_relay_active_connections",
			Help: "Current number of open relay sockets",
		},
	)

	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitechat_relay_events_total",
			Help: "Relay events handled, by event name and outcome",
		},
		[]string{"event", "outcome"},
	)

	RelayConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitechat_relay_conversations_created_total",
			Help: "Conversations opened by successful authentication",
		},
	)

	// Widget Metrics
	WidgetSessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitechat_widget_sessions_created_total",
			Help: "Visitor sessions minted by widget initialisation",
		},
	)

	// AI Metrics
	AIResponseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitechat_ai_response_duration_seconds",
			Help:    "Latency of AI responder calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"provider", "outcome"},
	)
)

// RecordRelayEvent counts one handled relay event.
func RecordRelayEvent(event, outcome string) {
	RelayEvents.WithLabelValues(event, outcome).Inc()
}

// TrackConnection adjusts the active connection gauge.
func TrackConnection(open bool) {
	if open {
		RelayActiveConnections.Inc()
		return
	}
	RelayActiveConnections.Dec()
}

// RecordAIResponse observes one responder call.
func RecordAIResponse(provider string, duration time.Duration, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	AIResponseDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}
