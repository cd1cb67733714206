package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestration counters for Prometheus scraping.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted  *prometheus.CounterVec
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksCancelled  prometheus.Counter
	TransitionDrops prometheus.Counter

	ActiveChannels prometheus.Gauge
	BusyWorkers    *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a private registry so tests can
// create independent instances.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "owl_tasks_submitted_total",
			Help: "Total number of tasks submitted, by task type.",
		}, []string{"type"}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_tasks_completed_total",
			Help: "Total number of tasks that reached the completed state.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_tasks_failed_total",
			Help: "Total number of tasks that reached the failed state.",
		}),
		TasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_tasks_cancelled_total",
			Help: "Total number of tasks that reached the cancelled state.",
		}),
		TransitionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_transition_conflicts_total",
			Help: "Total number of rejected illegal state transitions.",
		}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owl_push_channels_active",
			Help: "Number of currently open push channels.",
		}),
		BusyWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owl_pool_busy_workers",
			Help: "Number of busy workers, by pool.",
		}, []string{"pool"}),
	}

	registry.MustRegister(
		m.TasksSubmitted,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksCancelled,
		m.TransitionDrops,
		m.ActiveChannels,
		m.BusyWorkers,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTerminal bumps the counter matching a terminal status string.
func (m *Metrics) ObserveTerminal(status string) {
	switch status {
	case "completed":
		m.TasksCompleted.Inc()
	case "failed":
		m.TasksFailed.Inc()
	case "cancelled":
		m.TasksCancelled.Inc()
	}
}
