package obs

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultHTTPBuckets spans the 30s provider timeout that invoice and status
// requests can wait on.
var defaultHTTPBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// HTTPMetrics groups the request collectors. Requests on routes with a
// {provider} parameter carry it as a label; names outside the known set
// collapse to "other" so probing unknown webhook paths cannot add series.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge

	providers map[string]struct{}
}

// NewHTTPMetrics registers and returns HTTP metrics collectors. Collectors
// already present in reg are reused.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = defaultHTTPBuckets
	}
	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by route, payment provider and status.",
		}, []string{"method", "route", "provider", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds, by route and payment provider.",
			Buckets:   buckets,
		}, []string{"method", "route", "provider"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}
	mustRegisterCollector(reg, m.ReqTotal, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.ReqTotal = v
		}
	})
	mustRegisterCollector(reg, m.ReqDur, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.HistogramVec); ok {
			m.ReqDur = v
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Gauge); ok {
			m.InFlight = v
		}
	})
	return m
}

// WithProviders sets the provider names reported verbatim in labels.
func (m *HTTPMetrics) WithProviders(names ...string) *HTTPMetrics {
	m.providers = make(map[string]struct{}, len(names))
	for _, name := range names {
		m.providers[strings.ToLower(name)] = struct{}{}
	}
	return m
}

func (m *HTTPMetrics) providerLabel(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "none"
	}
	if _, ok := m.providers[raw]; ok {
		return raw
	}
	return "other"
}

// ParseBucketsCSV converts a comma-separated list of millisecond boundaries
// into sorted, distinct, positive buckets. Invalid entries are skipped.
func ParseBucketsCSV(csv string) []float64 {
	seen := make(map[float64]struct{})
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
