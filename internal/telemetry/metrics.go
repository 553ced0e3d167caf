// Package telemetry records operational counters for the coordination
// runtime. All methods are nil-safe so wiring metrics stays optional.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the runtime's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	retries     *prometheus.CounterVec
	merges      *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	published   *prometheus.CounterVec
	handleTime  *prometheus.HistogramVec
}

// NewMetrics creates and registers the runtime collectors on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_commands_total",
			Help: "Commands handled, by domain and outcome",
		}, []string{"domain", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_sequence_conflicts_total",
			Help: "Optimistic concurrency conflicts, by domain",
		}, []string{"domain"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_sequence_retries_total",
			Help: "Append retries after a lost sequence race, by domain",
		}, []string{"domain"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_commutative_merges_total",
			Help: "Stale explicit writes admitted as commutative merges, by domain",
		}, []string{"domain"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_dead_letters_total",
			Help: "Dead-lettered records, by kind",
		}, []string{"kind"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_events_published_total",
			Help: "Event books published to the bus, by domain",
		}, []string{"domain"}),
		handleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "chronicle_command_duration_seconds",
			Help: "Wall time spent handling a command book, by domain",
		}, []string{"domain"}),
	}
	m.registry.MustRegister(m.commands, m.conflicts, m.retries, m.merges, m.deadLetters, m.published, m.handleTime)
	return m
}

// Handler exposes the registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CommandHandled records one handled command book and its wall time.
func (m *Metrics) CommandHandled(domain, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(domain, outcome).Inc()
	m.handleTime.WithLabelValues(domain).Observe(elapsed.Seconds())
}

// SequenceConflict records one lost optimistic concurrency race.
func (m *Metrics) SequenceConflict(domain string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(domain).Inc()
}

// SequenceRetries records append retries beyond the first attempt.
func (m *Metrics) SequenceRetries(domain string, retries uint) {
	if m == nil || retries == 0 {
		return
	}
	m.retries.WithLabelValues(domain).Add(float64(retries))
}

// CommutativeMerge records one stale write admitted by the merge analysis.
func (m *Metrics) CommutativeMerge(domain string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(domain).Inc()
}

// DeadLettered records one dead-lettered record.
func (m *Metrics) DeadLettered(kind string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(kind).Inc()
}

// Published records one event book handed to the bus.
func (m *Metrics) Published(domain string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(domain).Inc()
}
