// ABOUTME: Prometheus instruments for message appends, live fan-out and sessions
// ABOUTME: Collectors register on a caller-supplied registry so tests stay isolated

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_dm"

// Push results recorded by ObservePush.
const (
	PushDelivered = "delivered"
	PushFailed    = "failed"
	PushTimeout   = "timeout"
)

// Metrics groups the service's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesAppended prometheus.Counter
	submitRejected   *prometheus.CounterVec
	pushes           *prometheus.CounterVec
	pushLatency      prometheus.Histogram
	liveSessions     prometheus.Gauge
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended to a conversation.",
		}),
		submitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_rejected_total",
			Help:      "Submissions rejected before or during append, by error kind.",
		}, []string{"reason"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Live pushes to sessions, by result.",
		}, []string{"result"}),
		pushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Time taken by a single live push.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Currently registered live sessions.",
		}),
	}

	reg.MustRegister(
		m.messagesAppended,
		m.submitRejected,
		m.pushes,
		m.pushLatency,
		m.liveSessions,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
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

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessageAppended counts one durable append.
func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

// SubmitRejected counts one rejected submission.
func (m *Metrics) SubmitRejected(reason string) {
	if m == nil {
		return
	}
	m.submitRejected.WithLabelValues(reason).Inc()
}

// ObservePush records the outcome and duration of one push.
func (m *Metrics) ObservePush(result string, seconds float64) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
	m.pushLatency.Observe(seconds)
}

// SetLiveSessions records the current number of registered sessions.
func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}
