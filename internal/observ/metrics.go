package observ

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Thin helpers over a private Prometheus registry. Collectors are created
// lazily on first use; a metric name must always be used with the same label
// set or the later registration is dropped.

type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
}

var reg = &registry{
	reg:      prometheus.NewRegistry(),
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
	hists:    map[string]*prometheus.HistogramVec{},
}

func labelNames(lbl map[string]string) []string {
	names := make([]string, 0, len(lbl))
	for k := range lbl {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IncCounter increments the named counter by one.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

// IncCounterBy increments the named counter by value.
func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	c, ok := reg.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		if err := reg.reg.Register(c); err != nil {
			reg.mu.Unlock()
			return
		}
		reg.counters[name] = c
	}
	reg.mu.Unlock()
	c.With(prometheus.Labels(labels)).Add(value)
}

// SetGauge sets the named gauge to value.
func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	g, ok := reg.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		if err := reg.reg.Register(g); err != nil {
			reg.mu.Unlock()
			return
		}
		reg.gauges[name] = g
	}
	reg.mu.Unlock()
	g.With(prometheus.Labels(labels)).Set(value)
}

// Observe records a histogram observation.
func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	h, ok := reg.hists[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 16),
		}, labelNames(labels))
		if err := reg.reg.Register(h); err != nil {
			reg.mu.Unlock()
			return
		}
		reg.hists[name] = h
	}
	reg.mu.Unlock()
	h.With(prometheus.Labels(labels)).Observe(value)
}

// Handler serves the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}

// Health is a minimal liveness endpoint.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
