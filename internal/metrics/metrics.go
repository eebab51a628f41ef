package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "research_dashboard"

// Metrics groups the collectors of the dashboard. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsApplied    *prometheus.CounterVec
	EventsIgnored    *prometheus.CounterVec
	FramesMalformed  *prometheus.CounterVec
	PushConnections  *prometheus.CounterVec
	BackendRequests  *prometheus.CounterVec
	ChatSendFailures prometheus.Counter
	SessionsStarted  prometheus.Counter
	BackendUp        prometheus.Gauge
	FeedSubscribers  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Push-channel events folded into session state, by event type.",
		}, []string{"type"}),
		EventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Events that left session state unchanged, by reason.",
		}, []string{"reason"}),
		FramesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Push-channel frames that could not be decoded.",
		}, []string{"transport"}),
		PushConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_connection_events_total",
			Help:      "Push-channel lifecycle signals (connected, disconnected, exhausted).",
		}, []string{"transport", "event"}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "REST calls to the research backend, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		ChatSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_send_failures_total",
			Help:      "Chat messages that never reached the backend.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Research runs started from the dashboard.",
		}),
		BackendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "1 when the last backend health probe succeeded.",
		}),
		FeedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Browsers currently attached to the live state feed.",
		}),
	}

	reg.MustRegister(
		m.EventsApplied,
		m.EventsIgnored,
		m.FramesMalformed,
		m.PushConnections,
		m.BackendRequests,
		m.ChatSendFailures,
		m.SessionsStarted,
		m.BackendUp,
		m.FeedSubscribers,
	)

	return m
}

func (m *Metrics) EventApplied(eventType string) {
	if m != nil {
		m.EventsApplied.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) EventIgnored(reason string) {
	if m != nil {
		m.EventsIgnored.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FrameMalformed(transport string) {
	if m != nil {
		m.FramesMalformed.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) PushLifecycle(transport, event string) {
	if m != nil {
		m.PushConnections.WithLabelValues(transport, event).Inc()
	}
}

func (m *Metrics) BackendRequest(endpoint, outcome string) {
	if m != nil {
		m.BackendRequests.WithLabelValues(endpoint, outcome).Inc()
	}
}

func (m *Metrics) ChatSendFailed() {
	if m != nil {
		m.ChatSendFailures.Inc()
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

func (m *Metrics) SetBackendUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BackendUp.Set(1)
	} else {
		m.BackendUp.Set(0)
	}
}

func (m *Metrics) SetFeedSubscribers(n int) {
	if m != nil {
		m.FeedSubscribers.Set(float64(n))
	}
}
