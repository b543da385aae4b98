package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SubjectLabelNames are the subject labels carried by the policy_enforced
// gauge. Subject fields outside this set are not exported.
var SubjectLabelNames = []string{
	"icos_app_name",
	"icos_app_instance",
	"icos_app_component",
	"icos_host_id",
	"icos_agent_id",
}

// Metrics provides Prometheus metrics for polman.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	policiesByPhase   *prometheus.GaugeVec
	policyEnforced    *prometheus.GaugeVec

	// Watcher metrics
	alertsReceived *prometheus.CounterVec
	violations     *prometheus.CounterVec
	resolutions    prometheus.Counter

	// Enforcer metrics
	enforcements        *prometheus.CounterVec
	enforcementDuration *prometheus.HistogramVec

	// Measurement backend metrics
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_operations_total",
				Help:      "Total number of policy lifecycle operations",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "policy_operation_duration_seconds",
				Help:      "Duration of policy lifecycle operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		policiesByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "policies",
				Help:      "Current number of policies by phase",
			},
			[]string{"phase"},
		),
		policyEnforced: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "policy_enforced",
				Help:      "Enforcement state of active policies (1=enforced, 0=violated)",
			},
			append([]string{"id", "name"}, SubjectLabelNames...),
		),

		alertsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_received_total",
				Help:      "Total number of alerts received from the alert manager",
			},
			[]string{"status"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Total number of policy violations by threshold",
			},
			[]string{"threshold"},
		),
		resolutions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of resolved policy violations",
			},
		),

		enforcements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enforcements_total",
				Help:      "Total number of enforcement webhook deliveries",
			},
			[]string{"method", "outcome"},
		),
		enforcementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enforcement_duration_seconds",
				Help:      "Duration of enforcement webhook deliveries including retries",
				Buckets:   buckets,
			},
			[]string{"method"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of rule management API calls",
			},
			[]string{"operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of rule management API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed rule management API calls",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.policiesByPhase,
		m.policyEnforced,
		m.alertsReceived,
		m.violations,
		m.resolutions,
		m.enforcements,
		m.enforcementDuration,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Lifecycle Metrics

// RecordOperation records a lifecycle operation with its outcome and duration.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetPhaseCounts replaces the per-phase policy gauge.
func (m *Metrics) SetPhaseCounts(counts map[string]int) {
	if m == nil || m.policiesByPhase == nil {
		return
	}
	m.policiesByPhase.Reset()
	for phase, n := range counts {
		m.policiesByPhase.WithLabelValues(phase).Set(float64(n))
	}
}

// SetPolicyEnforced exports the enforcement state of an active policy.
// Subject labels missing from labels are exported empty.
func (m *Metrics) SetPolicyEnforced(id, name string, labels map[string]string, enforced bool) {
	if m == nil || m.policyEnforced == nil {
		return
	}
	values := prometheus.Labels{"id": id, "name": name}
	for _, l := range SubjectLabelNames {
		values[l] = labels[l]
	}

	// A renamed or relabelled policy must not leave its old series behind.
	m.policyEnforced.DeletePartialMatch(prometheus.Labels{"id": id})

	value := 0.0
	if enforced {
		value = 1.0
	}
	m.policyEnforced.With(values).Set(value)
}

// ObservePolicy updates the enforcement series from a policy phase:
// enforced exports 1, violated exports 0, any other phase removes the series.
func (m *Metrics) ObservePolicy(id, name string, labels map[string]string, phase string) {
	switch phase {
	case "enforced":
		m.SetPolicyEnforced(id, name, labels, true)
	case "violated":
		m.SetPolicyEnforced(id, name, labels, false)
	default:
		m.RemovePolicy(id)
	}
}

// RemovePolicy drops the enforcement series of a policy.
func (m *Metrics) RemovePolicy(id string) {
	if m == nil || m.policyEnforced == nil {
		return
	}
	m.policyEnforced.DeletePartialMatch(prometheus.Labels{"id": id})
}

// Watcher Metrics

// RecordAlert records an alert notification by status.
func (m *Metrics) RecordAlert(status string) {
	if m == nil || m.alertsReceived == nil {
		return
	}
	m.alertsReceived.WithLabelValues(status).Inc()
}

// RecordViolation records a violation in the given threshold bucket.
func (m *Metrics) RecordViolation(threshold string) {
	if m == nil || m.violations == nil {
		return
	}
	if threshold == "" {
		threshold = "none"
	}
	m.violations.WithLabelValues(threshold).Inc()
}

// RecordResolution records a resolved violation.
func (m *Metrics) RecordResolution() {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.Inc()
}

// Enforcer Metrics

// RecordEnforcement records a webhook delivery and its total duration.
func (m *Metrics) RecordEnforcement(method, outcome string, duration time.Duration) {
	if m == nil || m.enforcements == nil {
		return
	}
	m.enforcements.WithLabelValues(method, outcome).Inc()
	m.enforcementDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Backend Metrics

// RecordBackendCall records a rule management API call with its duration.
func (m *Metrics) RecordBackendCall(operation string, duration time.Duration, err error) {
	if m == nil || m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(operation).Inc()
	m.backendDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(operation).Inc()
	}
}

// Registry returns the registry metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server returns an HTTP server exposing the metrics endpoint on the
// configured listen address, or nil when no standalone endpoint is wanted.
// The caller owns its lifecycle.
func (m *Metrics) Server() *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
