// Package metrics exposes Prometheus collectors for the prerender gateway.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	prerenderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_requests_total",
			Help: "Total number of prerender requests, labeled by response source.",
		},
		[]string{"source"},
	)

	prerenderCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_cache_lookups_total",
			Help: "Total number of cache lookups, labeled by lookup state.",
		},
		[]string{"state"},
	)

	prerenderCacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_cache_writes_total",
			Help: "Total number of cache write decisions, labeled by result.",
		},
		[]string{"result"},
	)

	prerenderRendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_renders_total",
			Help: "Total number of browser renders, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	prerenderRenderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prerender_render_duration_seconds",
			Help:    "Histogram of browser render latencies, labeled by outcome.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	prerenderBytesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_bytes_sent_total",
			Help: "Total number of HTML bytes returned to clients, labeled by site.",
		},
		[]string{"site"},
	)

	prerenderCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prerender_coalesced_requests_total",
			Help: "Total number of requests that joined a render already in flight.",
		},
	)

	prerenderActiveRenders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prerender_active_renders",
			Help: "Number of browser instances currently rendering.",
		},
	)

	prerenderEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_events_total",
			Help: "Total number of render events published, labeled by result.",
		},
		[]string{"result"},
	)

	prerenderRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prerender_rate_limit_delays_seconds",
			Help:    "Histogram of per-host render budget wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest counts a served prerender request by source.
func ObserveRequest(source string) {
	prerenderRequestsTotal.WithLabelValues(source).Inc()
}

// ObserveLookup counts a cache lookup by state (fresh, stale, absent, unreadable).
func ObserveLookup(state string) {
	prerenderCacheLookupsTotal.WithLabelValues(state).Inc()
}

// ObserveCacheWrite counts a write decision (written, failed, too_small, debug).
func ObserveCacheWrite(result string) {
	prerenderCacheWritesTotal.WithLabelValues(result).Inc()
}

// ObserveRender records a finished render.
func ObserveRender(site string, outcome string, duration time.Duration) {
	prerenderRendersTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	prerenderRenderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveBytesSent records the size of a response body.
func ObserveBytesSent(site string, n int) {
	if n > 0 {
		prerenderBytesSentTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
	}
}

// ObserveCoalesced counts a request that joined an in-flight render.
func ObserveCoalesced() {
	prerenderCoalescedTotal.Inc()
}

// IncActiveRenders increments the active renders gauge.
func IncActiveRenders() {
	prerenderActiveRenders.Inc()
}

// DecActiveRenders decrements the active renders gauge.
func DecActiveRenders() {
	prerenderActiveRenders.Dec()
}

// ObserveEvent counts a render event publish attempt.
func ObserveEvent(result string) {
	prerenderEventsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a render budget wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	prerenderRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
