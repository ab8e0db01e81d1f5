// Package metrics holds the Prometheus collectors for the order pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orderflow"

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived     prometheus.Counter
	messagesDeleted      prometheus.Counter
	malformedMessages    prometheus.Counter
	receiveErrors        prometheus.Counter
	deleteErrors         prometheus.Counter
	ordersProcessed      *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	processingDuration   prometheus.Histogram
	workerState          *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "messages_received_total",
			Help: "Messages received from the work queue.",
		}),
		messagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "messages_deleted_total",
			Help: "Messages acknowledged and removed from the work queue.",
		}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "messages_malformed_total",
			Help: "Messages that could not be decoded or referenced unknown orders.",
		}),
		receiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "receive_errors_total",
			Help: "Failed receive calls.",
		}),
		deleteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "delete_errors_total",
			Help: "Failed acknowledgements.",
		}),
		ordersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "processed_total",
			Help: "Orders run through the pipeline, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_total",
			Help: "Committed status transitions, by target status.",
		}, []string{"status"}),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "failures_total",
			Help: "Notifications that could not be published, by event type.",
		}, []string{"event_type"}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orders", Name: "processing_seconds",
			Help:    "Time spent running one order through the pipeline.",
			Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10, 30},
		}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "state",
			Help: "1 for the dispatcher's current state, 0 otherwise.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.messagesReceived,
		m.messagesDeleted,
		m.malformedMessages,
		m.receiveErrors,
		m.deleteErrors,
		m.ordersProcessed,
		m.transitions,
		m.notificationFailures,
		m.processingDuration,
		m.workerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessagesReceived(n int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(float64(n))
}

func (m *Metrics) MessageDeleted() {
	if m == nil {
		return
	}
	m.messagesDeleted.Inc()
}

func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.malformedMessages.Inc()
}

func (m *Metrics) ReceiveError() {
	if m == nil {
		return
	}
	m.receiveErrors.Inc()
}

func (m *Metrics) DeleteError() {
	if m == nil {
		return
	}
	m.deleteErrors.Inc()
}

func (m *Metrics) OrderProcessed(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ordersProcessed.WithLabelValues(outcome).Inc()
	m.processingDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) NotificationFailed(eventType string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(eventType).Inc()
}

// WorkerState marks state as the dispatcher's only active state.
func (m *Metrics) WorkerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.workerState.WithLabelValues(s).Set(v)
	}
}
