package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the operational listener (healthz, readyz, metrics, mcp).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. /mcp GET streams stay open, so watch POST for tool latency.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent HTTP requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Open /mcp connections, including long-lived event streams.
	MCPActiveConnections prometheus.Gauge

	// Tool invocations by outcome. Watch for: error ratio per tool.
	ToolCallsTotal *prometheus.CounterVec

	// Tool latency end to end (validation through response).
	ToolDurationSeconds *prometheus.HistogramVec

	// Tool calls by served source: cache, upstream or coalesced.
	ToolCallsBySourceTotal *prometheus.CounterVec

	// Constant 1, labelled with build identity.
	ServerInfo *prometheus.GaugeVec

	// OpenWeather API call rate by outcome. Label values from client.CategorizeError.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per attempt.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. High retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Circuit breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState prometheus.Gauge

	// Cache hits and misses per logical cache (weather, geocode).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Callers that joined an in-flight fetch instead of starting one.
	CacheCoalescedTotal *prometheus.CounterVec

	// Entries discarded because the envelope failed to decode or verify.
	CacheCorruptionsTotal *prometheus.CounterVec

	// Backend errors by operation. The cache degrades to upstream on error.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache warm passes, failed passes and pass duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Inbound rate limit denials on /mcp.
	RateLimitDeniedTotal prometheus.Counter

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	MCPActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpActiveConnections",
			Help: "Number of open MCP HTTP connections",
		},
	)
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpToolCallsTotal",
			Help: "Total tool calls",
		},
		[]string{"tool", "status"},
	)
	ToolDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpToolDurationSeconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"tool"},
	)
	ToolCallsBySourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpToolCallsBySourceTotal",
			Help: "Successful tool calls by data source (cache, upstream, coalesced)",
		},
		[]string{"tool", "source"},
	)
	ServerInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpServerInfo",
			Help: "Server information",
		},
		[]string{"name", "version", "transport"},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeather API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeather API latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Upstream circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of fresh cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses (absent, expired or corrupt)",
		},
		[]string{"cacheType"},
	)
	CacheCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheCoalescedTotal",
			Help: "Requests served by joining an in-flight upstream fetch",
		},
		[]string{"cacheType"},
	)
	CacheCorruptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheCorruptionsTotal",
			Help: "Cache entries discarded as corrupt",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"cacheType", "op"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warm passes",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Warm passes where at least one location failed",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of a cache warm pass in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of /mcp requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, MCPActiveConnections,
		ToolCallsTotal, ToolDurationSeconds, ToolCallsBySourceTotal, ServerInfo,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, CircuitBreakerState,
		CacheHitsTotal, CacheMissesTotal, CacheCoalescedTotal, CacheCorruptionsTotal, CacheErrorsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
	)
}

// SetServerInfo publishes the build identity gauge.
func SetServerInfo(name, version, transport string) {
	ServerInfo.Reset()
	ServerInfo.WithLabelValues(name, version, transport).Set(1)
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordWeatherQuery records a city-based query for the given location.
func RecordWeatherQuery(location string) {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		WeatherQueriesByLocationTotal.WithLabelValues(loc).Inc()
	} else {
		WeatherQueriesByLocationTotal.WithLabelValues("other").Inc()
	}
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
