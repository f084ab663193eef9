package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TaskTransitions     *prometheus.CounterVec
	DistributedTasks    *prometheus.CounterVec
	DistributionLatency prometheus.Histogram
	ProviderFailures    *prometheus.CounterVec
	ConnectionScopes    *prometheus.CounterVec
	EventSubscribers    prometheus.Gauge

	window *operationWindow
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		DistributedTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_tasks_total",
			Help:      "Tasks handled by distribution, by outcome.",
		}, []string{"outcome"}),
		DistributionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "distribution_latency_ms",
			Help:      "Wall time of a distribution call in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		ProviderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Service provider failures by extension point.",
		}, []string{"extension_point"}),
		ConnectionScopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_scopes_total",
			Help:      "Finished connection scopes by mode and outcome.",
		}, []string{"mode", "outcome"}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Number of live lifecycle event subscriptions.",
		}),
		window: newOperationWindow(256),
	}
}

func (m *Metrics) ObserveTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveDistribution(assigned, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.DistributedTasks.WithLabelValues("assigned").Add(float64(assigned))
	m.DistributedTasks.WithLabelValues("failed").Add(float64(failed))
	m.DistributionLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveProviderFailure(extensionPoint string) {
	if m == nil {
		return
	}
	m.ProviderFailures.WithLabelValues(extensionPoint).Inc()
}

func (m *Metrics) ObserveConnectionScope(mode, outcome string) {
	if m == nil {
		return
	}
	m.ConnectionScopes.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) SetEventSubscribers(n int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(n))
}

// ObserveOperationLatency feeds the rolling window behind /v1/perf/latency.
func (m *Metrics) ObserveOperationLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(operation, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) SnapshotOperations() OperationSnapshot {
	if m == nil {
		return OperationSnapshot{GeneratedAt: time.Now().UTC(), Operations: []OperationStats{}}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
