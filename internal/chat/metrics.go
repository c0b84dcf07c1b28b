// ABOUTME: Prometheus collectors for the chat orchestrator
// ABOUTME: Registered on a caller-supplied registry so tests stay isolated

package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Turn outcomes
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
)

// Question outcomes
const (
	QuestionAnswered     = "answered"
	QuestionTimedOut     = "timed_out"
	QuestionCancelled    = "cancelled"
	QuestionAutoAnswered = "auto_answered"
)

// Metrics holds the orchestrator's collectors
type Metrics struct {
	Connections   prometheus.Gauge
	Turns         *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	Questions     *prometheus.CounterVec
	ResumeRetries prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coven_chat",
			Name:      "connections",
			Help:      "Open chat WebSocket connections.",
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coven_chat",
			Name:      "turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coven_chat",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of chat turns that reached the runtime.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		Questions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coven_chat",
			Name:      "questions_total",
			Help:      "User questions raised by the runtime, by outcome.",
		}, []string{"outcome"}),
		ResumeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coven_chat",
			Name:      "resume_retries_total",
			Help:      "Turns retried without a resume token after the runtime rejected it.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Connections, m.Turns, m.TurnDuration, m.Questions, m.ResumeRetries)
	}
	return m
}
