package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// API returns the lazily-initialised registry recording fundd HTTP activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundd",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundd",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundd",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundd",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// OracleMetrics tracks the price sampler feeding the fund's TWAP.
type OracleMetrics struct {
	samples   *prometheus.CounterVec
	freshness prometheus.Gauge
	lastPrice prometheus.Gauge
}

// Oracle returns the singleton registry for the price sampler.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			samples: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundd",
				Subsystem: "oracle",
				Name:      "samples_total",
				Help:      "Price samples polled segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			freshness: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fundd",
				Subsystem: "oracle",
				Name:      "sample_age_seconds",
				Help:      "Age of the newest accepted price sample.",
			}),
			lastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fundd",
				Subsystem: "oracle",
				Name:      "last_price",
				Help:      "Newest accepted underlying price.",
			}),
		}
		prometheus.MustRegister(oracleRegistry.samples, oracleRegistry.freshness, oracleRegistry.lastPrice)
	})
	return oracleRegistry
}

// RecordSample counts a poll of source. err is nil for accepted samples.
func (m *OracleMetrics) RecordSample(source string, err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	m.samples.WithLabelValues(labelOr(strings.ToLower(source), "unknown"), outcome).Inc()
}

// RecordFreshness stores the age of the newest sample and its price.
func (m *OracleMetrics) RecordFreshness(age time.Duration, price float64) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.freshness.Set(age.Seconds())
	m.lastPrice.Set(price)
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
