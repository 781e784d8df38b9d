// Package metrics is a small Prometheus-compatible collector. It renders the
// text exposition format without pulling in client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter only goes up.
type Counter struct {
	name, help, labels string
	value              atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name, help, labels string
	value              atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	name, help, labels string

	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Collector owns a set of named metrics. Lookups by (name, labels) return
// the same instance.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	start      time.Time
}

func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		start:      time.Now(),
	}
}

func (c *Collector) Uptime() time.Duration { return time.Since(c.start) }

func key(name, labels string) string { return name + "{" + labels + "}" }

func (c *Collector) Counter(name, help, labels string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	if ctr, ok := c.counters[k]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	c.counters[k] = ctr
	return ctr
}

func (c *Collector) Gauge(name, help, labels string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	if g, ok := c.gauges[k]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	c.gauges[k] = g
	return g
}

func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	if h, ok := c.histograms[k]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{name: name, help: help, labels: labels, bounds: bounds, counts: make([]int64, len(bounds))}
	c.histograms[k] = h
	return h
}

// Handler renders every metric in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Render(w)
	}
}

// Render writes the exposition text, metrics sorted by name.
func (c *Collector) Render(w io.Writer) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP streamchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE streamchat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "streamchat_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	counters := sortedValues(c.counters)
	gauges := sortedValues(c.gauges)
	histograms := sortedValues(c.histograms)
	c.mu.Unlock()

	header := headerWriter(&sb)
	for _, ctr := range counters {
		header(ctr.name, ctr.help, "counter")
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels, ""), ctr.Value())
	}
	for _, g := range gauges {
		header(g.name, g.help, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels, ""), g.Value())
	}
	for _, h := range histograms {
		header(h.name, h.help, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", h.labels, `le="`+bound+`"`), h.counts[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels, ""), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels, ""), h.sum)
		h.mu.Unlock()
	}
	io.WriteString(w, sb.String())
}

func headerWriter(sb *strings.Builder) func(name, help, kind string) {
	written := make(map[string]bool)
	return func(name, help, kind string) {
		if written[name] {
			return
		}
		written[name] = true
		fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	}
}

func series(name, labels, extra string) string {
	parts := make([]string, 0, 2)
	if labels != "" {
		parts = append(parts, labels)
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	if len(parts) == 0 {
		return name
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
