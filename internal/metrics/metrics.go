package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors. All methods are safe on a nil receiver
// so components built without metrics (tests, CLI commands) need no guard.
type Metrics struct {
	registry *prometheus.Registry

	refreshes      *prometheus.CounterVec
	refreshLatency prometheus.Histogram
	lockWaits      *prometheus.CounterVec
	proxyRequests  *prometheus.CounterVec
	proxyCache     *prometheus.CounterVec
	rateLimited    prometheus.Counter
	cleanupRemoved *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erp_gateway",
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts against the authorization server by result.",
		}, []string{"provider", "result"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "erp_gateway",
			Name:      "token_refresh_duration_seconds",
			Help:      "Latency of refresh_token grants.",
			Buckets:   prometheus.DefBuckets,
		}),
		lockWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erp_gateway",
			Name:      "token_lock_total",
			Help:      "Refresh lock acquisitions by outcome.",
		}, []string{"outcome"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erp_gateway",
			Name:      "proxy_requests_total",
			Help:      "Proxied upstream requests by method and status class.",
		}, []string{"method", "status"}),
		proxyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erp_gateway",
			Name:      "proxy_cache_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "erp_gateway",
			Name:      "proxy_rate_limited_total",
			Help:      "Requests rejected by the per-caller limiter.",
		}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erp_gateway",
			Name:      "cleanup_removed_total",
			Help:      "Rows removed by the periodic cleanup job.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshes,
		m.refreshLatency,
		m.lockWaits,
		m.proxyRequests,
		m.proxyCache,
		m.rateLimited,
		m.cleanupRemoved,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RefreshObserved(provider, result string, seconds float64) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(provider, result).Inc()
	if seconds > 0 {
		m.refreshLatency.Observe(seconds)
	}
}

func (m *Metrics) LockObserved(outcome string) {
	if m == nil {
		return
	}
	m.lockWaits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProxyObserved(method, status string) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, status).Inc()
}

func (m *Metrics) CacheObserved(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.proxyCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimitedObserved() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) CleanupObserved(kind string, removed int64) {
	if m == nil || removed <= 0 {
		return
	}
	m.cleanupRemoved.WithLabelValues(kind).Add(float64(removed))
}
