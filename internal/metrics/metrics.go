package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for cache and HTTP activity. Every method is safe
// on a nil Recorder so callers never need to guard instrumentation.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	upstreamFetches *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pineapple",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by outcome: hit, miss, shared, stale or error.",
	}, []string{"cache", "outcome"})

	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pineapple",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by lazy expiry or invalidation.",
	}, []string{"cache"})

	upstreamFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pineapple",
		Subsystem: "upstream",
		Name:      "fetches_total",
		Help:      "Rezdy fetches started on cache misses.",
	}, []string{"cache", "result"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pineapple",
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for Rezdy fetches.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"cache", "result"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pineapple",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests served, labelled with the X-Cache outcome.",
	}, []string{"route", "status", "cache"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pineapple",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for API requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "cache"})

	reg.MustRegister(cacheLookups, cacheEvictions, upstreamFetches, upstreamLatency, httpRequests, httpLatency)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		cacheLookups:    cacheLookups,
		cacheEvictions:  cacheEvictions,
		upstreamFetches: upstreamFetches,
		upstreamLatency: upstreamLatency,
		httpRequests:    httpRequests,
		httpLatency:     httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

func (r *Recorder) ObserveCacheLookup(cache, outcome string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(cache), normalizeLabel(outcome)).Inc()
}

func (r *Recorder) ObserveCacheEvictions(cache string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.cacheEvictions.WithLabelValues(normalizeLabel(cache)).Add(float64(count))
}

func (r *Recorder) ObserveUpstreamFetch(cache, result string, duration time.Duration) {
	if r == nil {
		return
	}
	cacheLabel, resultLabel := normalizeLabel(cache), normalizeLabel(result)
	r.upstreamFetches.WithLabelValues(cacheLabel, resultLabel).Inc()
	r.upstreamLatency.WithLabelValues(cacheLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveHTTP records one served API request. cacheStatus is the X-Cache value, empty for
// routes that do not go through the cache.
func (r *Recorder) ObserveHTTP(route string, statusCode int, cacheStatus string, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := strings.ToLower(strings.TrimSpace(cacheStatus))
	if cacheLabel == "" {
		cacheLabel = "none"
	}
	r.httpRequests.WithLabelValues(routeLabel, statusLabel, cacheLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel, cacheLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
