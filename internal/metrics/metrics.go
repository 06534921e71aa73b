// Package metrics exposes the Prometheus collectors of the cross-app sync
// layer and its HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crossapp"

// Metrics owns a registry and every collector registered on it. All record
// methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	notificationsReceived *prometheus.CounterVec
	notificationsSent     *prometheus.CounterVec
	activityReceived      *prometheus.CounterVec
	activitySuppressed    prometheus.Counter
	cacheRefreshes        *prometheus.CounterVec
	cacheRefreshDuration  *prometheus.HistogramVec
	subscriptionStatus    *prometheus.GaugeVec
	linkOperations        *prometheus.CounterVec
	feedClients           prometheus.Gauge
}

// New creates a Metrics with a fresh registry. Process and Go runtime
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),
		notificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "received_total",
			Help:      "Notifications pushed into the local inbox.",
		}, []string{"type"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Notifications sent to other applications.",
		}, []string{"target_app", "result"}),
		activityReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "received_total",
			Help:      "Activity events recorded from other applications.",
		}, []string{"product"}),
		activitySuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "suppressed_total",
			Help:      "Activity events dropped because they originated locally.",
		}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Entity cache refreshes.",
		}, []string{"cache", "result"}),
		cacheRefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of entity cache refreshes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"cache"}),
		subscriptionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "subscribed",
			Help:      "1 when the push subscription on a table is acknowledged, 0 otherwise.",
		}, []string{"table"}),
		linkOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "operations_total",
			Help:      "Cross-app link operations.",
		}, []string{"op", "result"}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected websocket feed clients.",
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.notificationsReceived,
		m.notificationsSent,
		m.activityReceived,
		m.activitySuppressed,
		m.cacheRefreshes,
		m.cacheRefreshDuration,
		m.subscriptionStatus,
		m.linkOperations,
		m.feedClients,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

func (m *Metrics) DecrementInFlight() {
	if m == nil {
		return
	}
	m.httpInFlight.Dec()
}

// RecordHTTPRequest records one handled request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotificationReceived(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.notificationsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordNotificationSent(targetApp string, err error) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(targetApp, result(err)).Inc()
}

// RecordActivity counts one activity event; suppressed events are the
// hosting application's own.
func (m *Metrics) RecordActivity(product string, suppressed bool) {
	if m == nil {
		return
	}
	if suppressed {
		m.activitySuppressed.Inc()
		return
	}
	if product == "" {
		product = "unknown"
	}
	m.activityReceived.WithLabelValues(product).Inc()
}

func (m *Metrics) RecordCacheRefresh(cache string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.cacheRefreshes.WithLabelValues(cache, result(err)).Inc()
	m.cacheRefreshDuration.WithLabelValues(cache).Observe(duration.Seconds())
}

func (m *Metrics) SetSubscribed(table string, subscribed bool) {
	if m == nil {
		return
	}
	v := 0.0
	if subscribed {
		v = 1
	}
	m.subscriptionStatus.WithLabelValues(table).Set(v)
}

func (m *Metrics) RecordLinkOperation(op string, err error) {
	if m == nil {
		return
	}
	m.linkOperations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) FeedClientConnected() {
	if m == nil {
		return
	}
	m.feedClients.Inc()
}

func (m *Metrics) FeedClientDisconnected() {
	if m == nil {
		return
	}
	m.feedClients.Dec()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
