// Package metrics exposes Prometheus instrumentation for sandboxes, log fan-out
// and code execution. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Sandbox lifecycle
	SandboxesProvisioned *prometheus.CounterVec
	SandboxesReused      prometheus.Counter
	SandboxesStale       prometheus.Counter
	SandboxesDestroyed   *prometheus.CounterVec
	SandboxesActive      prometheus.Gauge

	// Log fan-out
	LogEventsAppended  *prometheus.CounterVec
	SubscribersDropped prometheus.Counter
	SubscribersActive  prometheus.Gauge

	// Execution
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Code generation
	Generations *prometheus.CounterVec
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SandboxesProvisioned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxrelay_sandboxes_provisioned_total",
				Help: "Sandbox provisioning attempts by result",
			},
			[]string{"result"},
		),
		SandboxesReused: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxrelay_sandboxes_reused_total",
				Help: "Lookups that reused a live sandbox",
			},
		),
		SandboxesStale: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxrelay_sandboxes_stale_total",
				Help: "Sandboxes found stale by a liveness probe",
			},
		),
		SandboxesDestroyed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxrelay_sandboxes_destroyed_total",
				Help: "Sandbox teardowns by result",
			},
			[]string{"result"},
		),
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxrelay_sandboxes_active",
				Help: "Sandboxes currently held by the registry",
			},
		),

		LogEventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxrelay_log_events_total",
				Help: "Log events appended by level",
			},
			[]string{"level"},
		),
		SubscribersDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxrelay_subscribers_dropped_total",
				Help: "Subscribers removed after a failed delivery",
			},
		),
		SubscribersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxrelay_subscribers_active",
				Help: "Live log subscribers",
			},
		),

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxrelay_executions_total",
				Help: "Code executions by language and terminal status",
			},
			[]string{"language", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxrelay_execution_duration_seconds",
				Help:    "Code execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"language"},
		),

		Generations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxrelay_generations_total",
				Help: "Code generation calls by result",
			},
			[]string{"result"},
		),
	}
}

// ProvisionResult records a provisioning attempt.
func (m *Metrics) ProvisionResult(err error) {
	if m == nil {
		return
	}
	m.SandboxesProvisioned.WithLabelValues(result(err)).Inc()
}

// Reused records a reuse of a live sandbox.
func (m *Metrics) Reused() {
	if m == nil {
		return
	}
	m.SandboxesReused.Inc()
}

// Stale records a sandbox found stale.
func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.SandboxesStale.Inc()
}

// DestroyResult records a teardown.
func (m *Metrics) DestroyResult(err error) {
	if m == nil {
		return
	}
	m.SandboxesDestroyed.WithLabelValues(result(err)).Inc()
}

// SetActiveSandboxes sets the active sandbox gauge.
func (m *Metrics) SetActiveSandboxes(n int) {
	if m == nil {
		return
	}
	m.SandboxesActive.Set(float64(n))
}

// LogAppended records an appended log event.
func (m *Metrics) LogAppended(level string) {
	if m == nil {
		return
	}
	m.LogEventsAppended.WithLabelValues(level).Inc()
}

// SubscriberAdded increments the live subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.SubscribersActive.Inc()
}

// SubscriberRemoved decrements the live subscriber gauge; dropped marks a
// removal caused by a failed delivery.
func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.SubscribersActive.Dec()
	if dropped {
		m.SubscribersDropped.Inc()
	}
}

// ExecutionFinished records a terminal execution state.
func (m *Metrics) ExecutionFinished(language, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

// GenerationResult records a code generation call.
func (m *Metrics) GenerationResult(err error) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
