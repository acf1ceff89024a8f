package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsadmin"

// Manager owns the Prometheus registry and every application metric. A nil
// *Manager is valid and records nothing, which is what disabled metrics use.
type Manager struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	settingsUpdatesTotal *prometheus.CounterVec
	settingsKeysChanged  *prometheus.CounterVec

	historyAppendedTotal *prometheus.CounterVec
	historyPurgedTotal   prometheus.Counter

	recorderDroppedTotal prometheus.Counter
	recorderQueueDepth   prometheus.Gauge

	alertsTotal *prometheus.CounterVec
}

// NewManager creates a registry with Go runtime and process collectors
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	m := &Manager{registry: registry}

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.settingsUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settings",
			Name:      "updates_total",
			Help:      "Settings write attempts by outcome",
		},
		[]string{"operation", "outcome"},
	)
	m.settingsKeysChanged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settings",
			Name:      "keys_changed_total",
			Help:      "Individual setting keys changed, by category",
		},
		[]string{"category"},
	)

	m.historyAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "records_appended_total",
			Help:      "History records appended, by category",
		},
		[]string{"category"},
	)
	m.historyPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "records_purged_total",
		Help:      "History records removed by retention",
	})

	m.recorderDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "tasks_dropped_total",
		Help:      "Change recording tasks dropped because the queue was full or closed",
	})
	m.recorderQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "queue_depth",
		Help:      "Change recording tasks waiting at last enqueue",
	})

	m.alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "deliveries_total",
			Help:      "Critical change alert deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.settingsUpdatesTotal,
		m.settingsKeysChanged,
		m.historyAppendedTotal,
		m.historyPurgedTotal,
		m.recorderDroppedTotal,
		m.recorderQueueDepth,
		m.alertsTotal,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterSettingsVersion exposes the live settings document version
func (m *Manager) RegisterSettingsVersion(version func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "settings",
		Name:      "version",
		Help:      "Version of the live settings document",
	}, version))
}

// SettingsWrite records the outcome of an update, bulk update, reset or revert
func (m *Manager) SettingsWrite(operation, outcome string, changedCategories []string) {
	if m == nil {
		return
	}
	m.settingsUpdatesTotal.WithLabelValues(operation, outcome).Inc()
	for _, c := range changedCategories {
		m.settingsKeysChanged.WithLabelValues(c).Inc()
	}
}

// RecordAppended implements history.Observer
func (m *Manager) RecordAppended(category string) {
	if m == nil {
		return
	}
	m.historyAppendedTotal.WithLabelValues(category).Inc()
}

// RecordsPurged implements history.Observer
func (m *Manager) RecordsPurged(count int) {
	if m == nil {
		return
	}
	m.historyPurgedTotal.Add(float64(count))
}

// TaskDropped implements recorder.Observer
func (m *Manager) TaskDropped() {
	if m == nil {
		return
	}
	m.recorderDroppedTotal.Inc()
}

// QueueDepth implements recorder.Observer
func (m *Manager) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.recorderQueueDepth.Set(float64(n))
}

// AlertSent implements alerts.Observer
func (m *Manager) AlertSent(channel string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(channel, "sent").Inc()
}

// AlertFailed implements alerts.Observer
func (m *Manager) AlertFailed(channel string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(channel, "failed").Inc()
}

// Middleware records request counts and latency labelled by route template
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
