package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	knownSessions       prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	invocationTotal    *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	invocationTimeouts prometheus.Counter
	capabilityCalls    *prometheus.CounterVec
	capabilityDenials  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by conversation key.",
				},
				[]string{"key"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by conversation key.",
				},
				[]string{"key"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by conversation key and status.",
				},
				[]string{"key", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by conversation key.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"key"},
			),
			knownSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "known_sessions",
					Help: "Current persisted session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session record load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session record save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			invocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "invocation_total",
					Help: "Total tool invocations by status.",
				},
				[]string{"status"},
			),
			invocationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "invocation_duration_seconds",
					Help:    "Tool invocation wall-clock duration in seconds.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
				},
			),
			invocationTimeouts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "invocation_timeouts_total",
					Help: "Total invocations terminated by the hard ceiling timeout.",
				},
			),
			capabilityCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "capability_calls_total",
					Help: "Total observed capability invocations by capability name.",
				},
				[]string{"capability"},
			),
			capabilityDenials: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "capability_denials_total",
					Help: "Total denied capability invocations by capability name.",
				},
				[]string{"capability"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.knownSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.invocationTotal,
			m.invocationDuration,
			m.invocationTimeouts,
			m.capabilityCalls,
			m.capabilityDenials,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the HTTP handler serving the Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(key string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(key).Inc()
	m.queueSize.WithLabelValues(key).Set(float64(queueSize))
}

func SetQueueSize(key string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(key).Set(float64(queueSize))
}

func RecordQueueCompletion(key string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(key, status).Inc()
	m.taskDuration.WithLabelValues(key).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(key).Set(float64(queueSize))
}

func SetKnownSessions(count int) {
	m := getMetrics()
	m.knownSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}

func RecordInvocation(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.invocationTotal.WithLabelValues(status).Inc()
	m.invocationDuration.Observe(duration.Seconds())
}

func RecordInvocationTimeout() {
	m := getMetrics()
	m.invocationTimeouts.Inc()
}

func RecordCapabilityCall(name string) {
	m := getMetrics()
	m.capabilityCalls.WithLabelValues(name).Inc()
}

func RecordCapabilityDenial(name string) {
	m := getMetrics()
	m.capabilityDenials.WithLabelValues(name).Inc()
}
