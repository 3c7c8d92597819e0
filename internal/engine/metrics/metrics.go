// Package metrics holds the Prometheus collectors exposed by a service host.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine collectors registered on one registry. Every
// host owns its own registry so that multiple hosts in one process (common in
// tests) never trip duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	MessagesProcessed *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	RoutingMisses     prometheus.Counter
	DecodeFailures    prometheus.Counter
	PublishFailures   prometheus.Counter
	BackpressureHits  prometheus.Counter
	QueueDepth        prometheus.Gauge
	HealthStatus      prometheus.Gauge
	TasksExecuted     prometheus.Counter
	TaskFailures      prometheus.Counter
}

// New builds the collector set on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	return &Metrics{
		registry: registry,
		MessagesProcessed: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages dispatched to a handler, by message type.",
		}, []string{"type"}),
		MessagesFailed: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}, []string{"type"}),
		HandlerDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution latency, by message type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		RoutingMisses: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_misses_total",
			Help:      "Inbound messages dropped because no handler was registered.",
		}),
		DecodeFailures: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound payloads that failed to decode.",
		}),
		PublishFailures: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Outbound publishes rejected by the transport.",
		}),
		BackpressureHits: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_events_total",
			Help:      "Times the pending-work backlog exceeded the configured threshold.",
		}),
		QueueDepth: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Work items waiting in the worker pool queue.",
		}),
		HealthStatus: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy",
			Help:      "1 while the host is running and connected, 0 otherwise.",
		}),
		TasksExecuted: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_tasks_executed_total",
			Help:      "Scheduled task executions submitted by the scheduler.",
		}),
		TaskFailures: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_task_failures_total",
			Help:      "Scheduled task executions that returned an error or panicked.",
		}),
	}
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional app collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
