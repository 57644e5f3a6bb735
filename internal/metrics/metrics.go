// Package metrics exposes Prometheus collectors for the enrichment pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for processed places.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeSkippedFresh = "skipped_fresh"
	OutcomeFailed       = "failed"
	OutcomeFiltered     = "filtered"
)

var (
	placesTotal                    *prometheus.CounterVec
	inflightUnits                  prometheus.Gauge
	resolverRequestsTotal          *prometheus.CounterVec
	resolverRequestDurationSeconds prometheus.Histogram
	scraperNavigationsTotal        *prometheus.CounterVec
	scraperAbsentFieldsTotal       *prometheus.CounterVec
	checkpointWritesTotal          *prometheus.CounterVec
	rateLimitDelaySeconds          *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		placesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savedplaces_places_total",
				Help: "Total number of places processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		inflightUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "savedplaces_inflight_units",
				Help: "Number of places currently being resolved or scraped.",
			},
		)

		resolverRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savedplaces_resolver_requests_total",
				Help: "Total number of Places API lookups, labeled by result status.",
			},
			[]string{"status"},
		)

		resolverRequestDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "savedplaces_resolver_request_duration_seconds",
				Help:    "Histogram of Places API lookup latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		scraperNavigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savedplaces_scraper_navigations_total",
				Help: "Total number of detail page navigations, labeled by result.",
			},
			[]string{"result"},
		)

		scraperAbsentFieldsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savedplaces_scraper_absent_fields_total",
				Help: "Total number of detail fields that could not be extracted, labeled by field.",
			},
			[]string{"field"},
		)

		checkpointWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savedplaces_checkpoint_writes_total",
				Help: "Total number of checkpoint rows appended, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "savedplaces_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"limiter"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePlace increments the processed-places counter for the given outcome.
func ObservePlace(outcome string) {
	Init()
	placesTotal.WithLabelValues(outcome).Inc()
}

// IncInflight increments the in-flight units gauge.
func IncInflight() {
	Init()
	inflightUnits.Inc()
}

// DecInflight decrements the in-flight units gauge.
func DecInflight() {
	Init()
	inflightUnits.Dec()
}

// ObserveResolverRequest records a Places API lookup.
func ObserveResolverRequest(status string, duration time.Duration) {
	Init()
	resolverRequestsTotal.WithLabelValues(status).Inc()
	resolverRequestDurationSeconds.Observe(duration.Seconds())
}

// ObserveNavigation records a detail page navigation result.
func ObserveNavigation(result string) {
	Init()
	scraperNavigationsTotal.WithLabelValues(result).Inc()
}

// ObserveAbsentField records a detail field the scraper could not extract.
func ObserveAbsentField(field string) {
	Init()
	scraperAbsentFieldsTotal.WithLabelValues(field).Inc()
}

// ObserveCheckpointWrite records one appended checkpoint row.
func ObserveCheckpointWrite(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointWritesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
