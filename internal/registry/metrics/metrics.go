package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the registry module.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Members           *prometheus.GaugeVec
	SinkFailures      *prometheus.CounterVec
	PersistFailures   *prometheus.CounterVec
}

// New registers the registry metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_registry_operations_total",
			Help: "Registry mutations by registry, operation and outcome",
		}, []string{"registry", "operation", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_registry_operation_duration_seconds",
			Help:    "Duration of registry mutations including persistence",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"registry", "operation"}),
		Members: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_registry_members",
			Help: "Current number of authorized addresses per registry",
		}, []string{"registry"}),
		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_registry_sink_failures_total",
			Help: "Registry events that could not be delivered to the event sink",
		}, []string{"registry"}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_registry_persist_failures_total",
			Help: "Mutations rolled back because the snapshot could not be saved",
		}, []string{"registry"}),
	}
}

// ObserveOperation records one mutation attempt. Call with time.Now() taken at
// the start of the operation.
func (m *Metrics) ObserveOperation(registry, operation, outcome string, start time.Time) {
	m.Operations.WithLabelValues(registry, operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(registry, operation).Observe(time.Since(start).Seconds())
}

// SetMembers records the member count of a registry.
func (m *Metrics) SetMembers(registry string, count int) {
	m.Members.WithLabelValues(registry).Set(float64(count))
}

func (m *Metrics) IncSinkFailure(registry string) {
	m.SinkFailures.WithLabelValues(registry).Inc()
}

func (m *Metrics) IncPersistFailure(registry string) {
	m.PersistFailures.WithLabelValues(registry).Inc()
}
