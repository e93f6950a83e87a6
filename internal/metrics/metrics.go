// Package metrics exposes Prometheus collectors for the downloader service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	challengesTotal            *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	activeFetches              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_fetches_total",
				Help: "Total number of logical fetches, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_bytes_total",
				Help: "Total number of bytes written to disk, labeled by site.",
			},
			[]string{"site"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_retries_total",
				Help: "Retry decisions taken by the retrieval engine, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_challenges_total",
				Help: "Anti-bot challenges encountered, labeled by result.",
			},
			[]string{"result"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_batches_total",
				Help: "Total number of batches processed, labeled by status.",
			},
			[]string{"status"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloader_items_total",
				Help: "Batch items completed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "downloader_active_fetches",
				Help: "Number of items currently being fetched.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "downloader_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records the result of one logical fetch.
func ObserveFetch(rawURL, result string, bytesWritten int64) {
	Init()
	site := SanitizeSite(rawURL)
	downloadsTotal.WithLabelValues(site, result).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(site).Add(float64(bytesWritten))
	}
}

// ObserveRetry records a retry decision; reason is "transient", "rate_limited",
// "size_mismatch" or "redirect".
func ObserveRetry(rawURL, reason string) {
	Init()
	retriesTotal.WithLabelValues(SanitizeSite(rawURL), reason).Inc()
}

// ObserveChallenge records a challenge handled by the gate.
func ObserveChallenge(result string) {
	Init()
	challengesTotal.WithLabelValues(result).Inc()
}

// ObserveBatch increments the batch counter for the given status.
func ObserveBatch(status string) {
	Init()
	batchesTotal.WithLabelValues(status).Inc()
}

// ObserveItem increments the item counter for "success", "skipped" or "failed".
func ObserveItem(outcome string) {
	Init()
	itemsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
