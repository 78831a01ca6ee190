// Package observability exposes ratethrottle's internal counters through a
// Prometheus-compatible text exposition endpoint.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ratethrottle"
)

// Counter is a monotonically increasing value.
type Counter struct {
	value int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down.
type Gauge struct {
	value int64 // stored as micros for float-like precision
}

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks value distributions over configurable buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // per-bucket differential counts (+ a trailing +Inf bucket)
	sum     float64
	count   int64
}

func NewHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{
		buckets: sorted,
		counts:  make([]int64, len(sorted)+1),
	}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Metrics is a label-keyed Prometheus-compatible registry of counters,
// gauges, and histograms.
type Metrics struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	checkLatencyBuckets []float64
}

// NewMetrics creates an empty metrics registry.
func NewMetrics(logger zerolog.Logger) *Metrics {
	return &Metrics{
		logger:              logger.With().Str("component", "metrics").Logger(),
		counters:            make(map[string]map[string]*Counter),
		gauges:              make(map[string]map[string]*Gauge),
		histograms:          make(map[string]map[string]*Histogram),
		checkLatencyBuckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
	}
}

// getOrCreate fetches the metric named name/labels from store, creating it
// with create on first use. Takes the read path when possible and only
// upgrades to the write lock on a miss.
func getOrCreate[T any](mu *sync.RWMutex, store map[string]map[string]*T, name string, labels map[string]string, create func() *T) *T {
	key := labelKey(labels)

	mu.RLock()
	if byName, ok := store[name]; ok {
		if v, ok := byName[key]; ok {
			mu.RUnlock()
			return v
		}
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if _, ok := store[name]; !ok {
		store[name] = make(map[string]*T)
	}
	if _, ok := store[name][key]; !ok {
		store[name][key] = create()
	}
	return store[name][key]
}

func (m *Metrics) CounterInc(name string, labels map[string]string) {
	m.getCounter(name, labels).Inc()
}

func (m *Metrics) CounterAdd(name string, labels map[string]string, n int64) {
	m.getCounter(name, labels).Add(n)
}

func (m *Metrics) getCounter(name string, labels map[string]string) *Counter {
	return getOrCreate(&m.mu, m.counters, name, labels, func() *Counter { return &Counter{} })
}

func (m *Metrics) GaugeSet(name string, labels map[string]string, v float64) {
	m.getGauge(name, labels).Set(v)
}

func (m *Metrics) getGauge(name string, labels map[string]string) *Gauge {
	return getOrCreate(&m.mu, m.gauges, name, labels, func() *Gauge { return &Gauge{} })
}

func (m *Metrics) HistogramObserve(name string, labels map[string]string, v float64) {
	m.getHistogram(name, labels).Observe(v)
}

func (m *Metrics) getHistogram(name string, labels map[string]string) *Histogram {
	return getOrCreate(&m.mu, m.histograms, name, labels, func() *Histogram { return NewHistogram(m.checkLatencyBuckets) })
}

// TrackCheck records one Check call: its rule, verdict, and latency.
func (m *Metrics) TrackCheck(rule string, allowed bool, latencyMs float64) {
	labels := map[string]string{"rule": rule, "allowed": fmt.Sprintf("%t", allowed)}
	m.CounterInc("ratethrottle_checks_total", labels)
	m.HistogramObserve("ratethrottle_check_duration_ms", map[string]string{"rule": rule}, latencyMs)
}

// Sync pulls the engine's aggregate counters into the gauge set, for
// exposition on the next Handler scrape.
func (m *Metrics) Sync(metrics ratethrottle.Metrics) {
	m.GaugeSet("ratethrottle_total_requests", nil, float64(metrics.TotalRequests))
	m.GaugeSet("ratethrottle_allowed_requests", nil, float64(metrics.AllowedRequests))
	m.GaugeSet("ratethrottle_blocked_requests", nil, float64(metrics.BlockedRequests))
	m.GaugeSet("ratethrottle_total_violations", nil, float64(metrics.TotalViolations))
	m.GaugeSet("ratethrottle_backend_errors", nil, float64(metrics.BackendErrors))
	m.GaugeSet("ratethrottle_block_rate", nil, metrics.BlockRate)
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# ratethrottle metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339)))

		m.mu.RLock()
		defer m.mu.RUnlock()

		for name, byLabel := range m.counters {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			for lk, c := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %d\n", name, c.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, c.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.gauges {
			sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
			for lk, g := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %f\n", name, g.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, g.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.histograms {
			sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
			for lk, h := range byLabel {
				h.mu.Lock()
				labelSuffix := ""
				if lk != "" {
					labelSuffix = fmt.Sprintf("{%s}", lk)
				}
				cumulative := int64(0)
				for i, b := range h.buckets {
					cumulative += h.counts[i]
					if lk != "" {
						sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\",%s} %d\n", name, b, lk, cumulative))
					} else {
						sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\"} %d\n", name, b, cumulative))
					}
				}
				cumulative += h.counts[len(h.buckets)]
				if lk != "" {
					sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\",%s} %d\n", name, lk, cumulative))
				} else {
					sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, cumulative))
				}
				sb.WriteString(fmt.Sprintf("%s_sum%s %f\n", name, labelSuffix, h.sum))
				sb.WriteString(fmt.Sprintf("%s_count%s %d\n", name, labelSuffix, h.count))
				h.mu.Unlock()
			}
			sb.WriteString("\n")
		}

		_, _ = w.Write([]byte(sb.String()))
	}
}
