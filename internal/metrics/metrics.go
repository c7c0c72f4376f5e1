// Package metrics exposes Prometheus collectors for the synchronization engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reconciliation outcomes.
const (
	OutcomeAppend    = "append"
	OutcomeClientID  = "client_id"
	OutcomeContent   = "content"
	OutcomeDuplicate = "duplicate"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reconciliations *prometheus.CounterVec
	sendFailures    prometheus.Counter
	events          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_reconciliations_total",
			Help: "Incoming messages by reconciliation outcome.",
		}, []string{"outcome"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Optimistic sends that ended in the failed state.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_total",
			Help: "Events dispatched from the event channel by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconciliations, m.sendFailures, m.events)
	}
	return m
}

// Reconciled counts one reconciliation decision.
func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// SendFailed counts one failed send.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// Event counts one dispatched event.
func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
