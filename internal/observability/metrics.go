package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/pollen-risk-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-Meteo call rate by outcome. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Open-Meteo latency per call. Watch for: p99 approaching the weather timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Forecast cache hits. Hit rate = hits/(hits+weatherApiCallsTotal).
	CacheHitsTotal *prometheus.CounterVec

	// Forecast cache backend failures. A failing cache degrades to a direct fetch.
	CacheErrorsTotal *prometheus.CounterVec

	// Successful predictions by risk label. Watch for: label distribution drift.
	PredictionsTotal *prometheus.CounterVec

	// Failed predictions by error category.
	PredictionErrorsTotal *prometheus.CounterVec

	// Reference table lookups by result (found, not_found, coordinates_only).
	SuburbLookupsTotal *prometheus.CounterVec

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Prediction events handed to the publisher, by result.
	EventsPublishedTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	rateLimitGaugesOnce sync.Once
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
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of Open-Meteo forecast calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Open-Meteo forecast latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of forecast cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of forecast cache backend errors",
		},
		[]string{"cacheType", "op"},
	)
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictionsTotal",
			Help: "Total number of successful predictions by risk label",
		},
		[]string{"risk"},
	)
	PredictionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictionErrorsTotal",
			Help: "Total number of failed predictions by error category",
		},
		[]string{"category"},
	)
	SuburbLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suburbLookupsTotal",
			Help: "Reference table lookups by result",
		},
		[]string{"result"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsPublishedTotal",
			Help: "Prediction events handed to the event publisher by result",
		},
		[]string{"result"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		CacheHitsTotal, CacheErrorsTotal,
		PredictionsTotal, PredictionErrorsTotal, SuburbLookupsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		EventsPublishedTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers window gauges backed by tracker. Only the first call registers.
func RegisterTrafficGauges(tracker *traffic.Tracker, window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "requestsInWindow",
					Help: "Prediction requests in the sliding window; load/capacity planning",
				},
				func() float64 { return float64(tracker.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(tracker.DenialCount(window)) },
			),
		)
	})
}

// RecordPrediction counts a successful prediction.
func RecordPrediction(risk int) {
	PredictionsTotal.WithLabelValues(strconv.Itoa(risk)).Inc()
}

// RecordPredictionError counts a failed prediction under category.
func RecordPredictionError(category string) {
	PredictionErrorsTotal.WithLabelValues(category).Inc()
}

// RecordSuburbLookup counts a lookup result: found, not_found or coordinates_only.
func RecordSuburbLookup(result string) {
	SuburbLookupsTotal.WithLabelValues(result).Inc()
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
