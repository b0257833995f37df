// Package metrics exposes protocol and reservation counters on a private
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report outcomes.
const (
	ReportApplied     = "applied"
	ReportStale       = "stale"
	ReportIgnored     = "ignored"
	ReportUnknownLock = "unknown_lock"
)

// Metrics holds the authority's counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	acks        *prometheus.CounterVec
	unmatched   prometheus.Counter
	unresolved  prometheus.Counter
	reports     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	malformed   *prometheus.CounterVec
	heartbeats  *prometheus.CounterVec
}

// New registers every counter on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parking", Name: "commands_dispatched_total",
			Help: "Commands published to gateways, by action.",
		}, []string{"action"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parking", Name: "acknowledgments_total",
			Help: "Matched acknowledgments, by result.",
		}, []string{"result"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parking", Name: "acknowledgments_unmatched_total",
			Help: "Acknowledgments whose command id was unknown.",
		}),
		unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parking", Name: "commands_unresolved_total",
			Help: "Commands dropped after the acknowledgment window elapsed.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parking", Name: "status_reports_total",
			Help: "Status reports received, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parking", Name: "reservation_transitions_total",
			Help: "Reservation status changes, by resulting status.",
		}, []string{"status"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parking", Name: "messages_malformed_total",
			Help: "Inbound messages dropped because they failed to decode, by topic kind.",
		}, []string{"kind"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parking", Name: "heartbeats_total",
			Help: "Gateway heartbeats received.",
		}, []string{"gateway"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.acks, m.unmatched, m.unresolved, m.reports, m.transitions, m.malformed, m.heartbeats,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CommandDispatched(action string) {
	if m != nil {
		m.commands.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Acknowledged(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.acks.WithLabelValues(result).Inc()
}

func (m *Metrics) AckUnmatched() {
	if m != nil {
		m.unmatched.Inc()
	}
}

func (m *Metrics) CommandUnresolved() {
	if m != nil {
		m.unresolved.Inc()
	}
}

func (m *Metrics) Report(outcome string) {
	if m != nil {
		m.reports.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ReservationTransition(status string) {
	if m != nil {
		m.transitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Malformed(kind string) {
	if m != nil {
		m.malformed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Heartbeat(gatewayID string) {
	if m != nil {
		m.heartbeats.WithLabelValues(gatewayID).Inc()
	}
}
