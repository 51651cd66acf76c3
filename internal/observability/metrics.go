package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/aqi-forecast-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 increases on /forecast when the cache is cold.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// WAQI call rate by status. Watch for: error vs success ratio.
	WAQICallsTotal *prometheus.CounterVec

	// WAQI latency per request.
	WAQIDuration *prometheus.HistogramVec

	// Retry attempts against WAQI. High retries = unstable upstream.
	WAQIRetriesTotal prometheus.Counter

	// WAQI failures by error category (see client.CategorizeError).
	WAQIErrorsTotal *prometheus.CounterVec

	// Forecast cache hits and misses by backend. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend failures by operation. The service keeps answering from the engine.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache warming runs, failed runs and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Model fits by strategy and result (ok, insufficient_data, error).
	ForecastFitsTotal *prometheus.CounterVec

	// Time spent fitting one city.
	ForecastFitDuration *prometheus.HistogramVec

	// Forecasts served from a persisted model vs fitted on demand.
	ForecastModelSourceTotal *prometheus.CounterVec

	// Forecast request failures by reason. Watch for: insufficient_data growing after a data refresh.
	ForecastFailuresTotal *prometheus.CounterVec

	// Cache misses that joined an in-flight computation instead of starting one, and wait time.
	RequestCoalescingHitsTotal   prometheus.Counter
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Category of every served forecast point. Distribution shift = air quality trend.
	ForecastPointsByCategoryTotal *prometheus.CounterVec

	// Total forecast lookups and per-city count (allow-list; others go to "other").
	ForecastQueriesTotal       prometheus.Counter
	ForecastQueriesByCityTotal *prometheus.CounterVec

	// 0 closed, 1 half-open, 2 open.
	CircuitBreakerState *prometheus.GaugeVec

	// Batch training runs and per-city outcomes (trained, skipped, failed).
	TrainingRunsTotal   *prometheus.CounterVec
	TrainingCitiesTotal *prometheus.CounterVec
	TrainingDuration    prometheus.Histogram

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
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
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	WAQICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "waqiCallsTotal", Help: "Total number of WAQI API calls"},
		[]string{"status"},
	)
	WAQIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waqiDurationSeconds",
			Help:    "WAQI API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WAQIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "waqiRetriesTotal", Help: "Total number of retry attempts for WAQI calls"},
	)
	WAQIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "waqiErrorsTotal", Help: "WAQI failures by error category"},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Forecast cache hits"},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheMissesTotal", Help: "Forecast cache misses"},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheErrorsTotal", Help: "Forecast cache backend errors"},
		[]string{"cacheType", "op"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed city"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Wall time of one cache warming run",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30},
		},
	)
	ForecastFitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecastFitsTotal", Help: "Model fits by strategy and result"},
		[]string{"strategy", "result"},
	)
	ForecastFitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastFitDurationSeconds",
			Help:    "Time to clean and fit one city",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"strategy"},
	)
	ForecastModelSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecastModelSourceTotal", Help: "Forecasts by model source (persisted, fitted)"},
		[]string{"source"},
	)
	ForecastFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecastFailuresTotal", Help: "Forecast failures by reason"},
		[]string{"reason"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "requestCoalescingHitsTotal", Help: "Forecast computations shared with concurrent callers"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time callers waited on a coalesced forecast computation",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	ForecastPointsByCategoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecastPointsByCategoryTotal", Help: "Served forecast points by AQI category"},
		[]string{"category"},
	)
	ForecastQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "forecastQueriesTotal", Help: "Total number of forecast lookups"},
	)
	ForecastQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecastQueriesByCityTotal", Help: "Forecast queries by city (allow-list; others use city=other)"},
		[]string{"city"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open"},
		[]string{"component"},
	)
	TrainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trainingRunsTotal", Help: "Batch training runs by result"},
		[]string{"result"},
	)
	TrainingCitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trainingCitiesTotal", Help: "Cities processed by batch training, by outcome"},
		[]string{"outcome"},
	)
	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trainingDurationSeconds",
			Help:    "Wall time of one batch training run",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WAQICallsTotal, WAQIDuration, WAQIRetriesTotal, WAQIErrorsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		ForecastFitsTotal, ForecastFitDuration, ForecastModelSourceTotal,
		ForecastFailuresTotal, ForecastPointsByCategoryTotal,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		ForecastQueriesTotal, ForecastQueriesByCityTotal,
		CircuitBreakerState,
		TrainingRunsTotal, TrainingCitiesTotal, TrainingDuration,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers sliding-window load, rejection and error gauges.
// Call from main after config load with the same window the health check uses.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficRequestsInWindow",
					Help: "Request outcomes in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficErrorRateInWindow",
					Help: "Failed / (failed + succeeded) forecast and live requests in sliding window",
				},
				func() float64 {
					errs, total := traffic.ErrorRate(window)
					if total == 0 {
						return 0
					}
					return float64(errs) / float64(total)
				},
			),
		)
	})
}

// SetTrackedCities sets the allow-list for per-city metrics. Non-tracked cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// RecordForecastQuery records a forecast lookup for city.
func RecordForecastQuery(city string) {
	ForecastQueriesTotal.Inc()
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if ok {
		ForecastQueriesByCityTotal.WithLabelValues(c).Inc()
	} else {
		ForecastQueriesByCityTotal.WithLabelValues("other").Inc()
	}
}

// RecordBreakerState publishes a breaker state as 0 (closed), 1 (half-open) or 2 (open).
func RecordBreakerState(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
