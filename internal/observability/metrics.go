// Package observability exposes the agent's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pxp_agent"

// Action outcomes recorded by ActionCompleted.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Metrics holds the agent's collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	actions            *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	responses          *prometheus.CounterVec
	modulesLoaded      prometheus.Gauge
	moduleLoadFailures prometheus.Counter
}

// NewMetrics registers the agent collectors together with the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Action requests received, by request type.",
		}, []string{"type"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions executed, by module, action and outcome.",
		}, []string{"module", "action", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Time spent running module actions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"module", "action"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses sent to the broker, by kind and send result.",
		}, []string{"kind", "result"}),
		modulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modules_loaded",
			Help:      "Modules available for dispatch.",
		}),
		moduleLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_load_failures_total",
			Help:      "Modules excluded because they failed to load.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.actions,
		m.actionDuration,
		m.responses,
		m.modulesLoaded,
		m.moduleLoadFailures,
	)
	return m
}

// Registry returns the registry backing the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RequestReceived counts an inbound action request.
func (m *Metrics) RequestReceived(requestType string) {
	m.requests.WithLabelValues(requestType).Inc()
}

// ActionCompleted records one action execution.
func (m *Metrics) ActionCompleted(module, action, outcome string, elapsed time.Duration) {
	m.actions.WithLabelValues(module, action, outcome).Inc()
	m.actionDuration.WithLabelValues(module, action).Observe(elapsed.Seconds())
}

// ResponseSent counts a response send attempt.
func (m *Metrics) ResponseSent(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.responses.WithLabelValues(kind, result).Inc()
}

// ModulesLoaded sets the number of modules available for dispatch.
func (m *Metrics) ModulesLoaded(n int) {
	m.modulesLoaded.Set(float64(n))
}

// ModuleLoadFailed counts a module excluded at load time.
func (m *Metrics) ModuleLoadFailed() {
	m.moduleLoadFailures.Inc()
}
