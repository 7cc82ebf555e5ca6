// Package metrics holds the bridge's counters, gauges and latency histograms
// and renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// CounterVec is a family of counters that share a name and differ by the
// value of one label.
type CounterVec struct {
	c     *MetricsCollector
	name  string
	help  string
	label string
}

// CounterVec returns a counter family keyed by label.
func (c *MetricsCollector) CounterVec(name, help, label string) *CounterVec {
	return &CounterVec{c: c, name: name, help: help, label: label}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// With returns the counter for one label value, creating it on first use.
func (v *CounterVec) With(value string) *Counter {
	return v.c.Counter(v.name, v.help, v.label+`="`+labelEscaper.Replace(value)+`"`)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the average observation, or 0 with none recorded.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		fmt.Fprint(w, c.Render())
	}
}

// Render returns every metric in Prometheus text format.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP meshbridge_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE meshbridge_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "meshbridge_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	// Counters
	helpWritten := make(map[string]bool)
	for _, ctr := range sorted[*Counter](&c.counters) {
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			helpWritten[ctr.name] = true
		}
		if ctr.labels != "" {
			fmt.Fprintf(&sb, "%s{%s} %d\n", ctr.name, ctr.labels, ctr.Value())
		} else {
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
		}
	}

	// Gauges
	helpWritten = make(map[string]bool)
	for _, g := range sorted[*Gauge](&c.gauges) {
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			helpWritten[g.name] = true
		}
		if g.labels != "" {
			fmt.Fprintf(&sb, "%s{%s} %d\n", g.name, g.labels, g.Value())
		} else {
			fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
		}
	}

	// Histograms
	c.histograms.Range(func(key, value any) bool {
		h := value.(*Histogram)
		h.mu.Lock()
		defer h.mu.Unlock()

		fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
		prefix := h.name
		if h.labels != "" {
			prefix += "{" + h.labels + ","
		} else {
			prefix += "{"
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix+"_bucket", le, b.count)
		}
		if h.labels != "" {
			fmt.Fprintf(&sb, "%s{%s} %d\n", h.name+"_count", h.labels, h.count)
			fmt.Fprintf(&sb, "%s{%s} %f\n", h.name+"_sum", h.labels, h.sum)
		} else {
			fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)
			fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
		}
		return true
	})

	return sb.String()
}

// sorted returns the values of m ordered by key, so samples of one metric
// family render next to each other.
func sorted[T any](m *sync.Map) []T {
	var keys []string
	vals := map[string]T{}
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

// --- Bridge metrics ---

var (
	MessagesIn      = Collector.Counter("meshbridge_messages_in_total", "Inbound text messages received", "")
	MessagesIgnored = Collector.Counter("meshbridge_messages_ignored_total", "Inbound messages dropped as self or rejected by admission", "")
	RepliesSent     = Collector.Counter("meshbridge_replies_total", "Replies sent, counted once per reply", "")
	ChunksSent      = Collector.Counter("meshbridge_chunks_sent_total", "Reply segments transmitted", "")
	InferenceErrors = Collector.Counter("meshbridge_inference_errors_total", "Inference calls that exhausted retries", "")
	HandlerErrors   = Collector.Counter("meshbridge_handler_errors_total", "Events abandoned on error", "")
	Reconnects      = Collector.Counter("meshbridge_reconnects_total", "Successful connects after the first", "")
	ConnectFailures = Collector.Counter("meshbridge_connect_failures_total", "Connect cycles that failed", "")
	ConnectionState = Collector.Gauge("meshbridge_connection_state", "0 disconnected, 1 connecting, 2 listening, 3 stopped", "")
	QueueDepth      = Collector.Gauge("meshbridge_queue_depth", "Inbound events waiting for the worker", "")

	LLMLatency = Collector.Histogram("meshbridge_llm_latency_seconds", "Inference latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	SendLatency = Collector.Histogram("meshbridge_send_latency_seconds", "Per-segment transmit latency in seconds", "",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5})

	// MessagesRejected splits admission rejects by reason.
	MessagesRejected = Collector.CounterVec("meshbridge_messages_rejected_total", "Inbound messages rejected by admission", "reason")
)
