package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is the fire-and-forget metrics contract consumed by the
// cache and transformation components. Implementations must never return
// errors or block the caller; a failing backend is an implementation detail.
type MetricsCollector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels map[string]string)

	// ObserveHistogram records a millisecond observation in a histogram.
	ObserveHistogram(name string, valueMs float64, labels map[string]string)

	// SetGauge sets a gauge metric to the given value.
	SetGauge(name string, value float64, labels map[string]string)
}

// nopCollector discards all metrics.
type nopCollector struct{}

// NopMetricsCollector returns a collector that discards all observations.
func NopMetricsCollector() MetricsCollector {
	return nopCollector{}
}

func (nopCollector) IncrementCounter(string, map[string]string)          {}
func (nopCollector) ObserveHistogram(string, float64, map[string]string) {}
func (nopCollector) SetGauge(string, float64, map[string]string)         {}

// PrometheusCollector implements MetricsCollector on top of a Prometheus
// registry. Metric vectors are created lazily on first use and cached by
// name, so the set of label keys must be stable per metric name.
type PrometheusCollector struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusCollector creates a collector registering metrics under the
// given namespace. A nil registry creates a private one.
func NewPrometheusCollector(namespace string, registry *prometheus.Registry) *PrometheusCollector {
	if namespace == "" {
		namespace = "ruleengine"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusCollector{
		namespace:  namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the underlying Prometheus registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// IncrementCounter increments the named counter.
func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	keys, values := splitLabels(labels)

	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: c.namespace,
				Name:      name,
				Help:      "Counter " + name,
			},
			keys,
		)
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			return
		}
		c.counters[name] = vec
	}
	c.mu.Unlock()

	counter, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	counter.Inc()
}

// ObserveHistogram records a millisecond observation.
func (c *PrometheusCollector) ObserveHistogram(name string, valueMs float64, labels map[string]string) {
	keys, values := splitLabels(labels)

	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: c.namespace,
				Name:      name,
				Help:      "Histogram " + name + " in milliseconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			keys,
		)
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			return
		}
		c.histograms[name] = vec
	}
	c.mu.Unlock()

	histogram, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	histogram.Observe(valueMs)
}

// SetGauge sets the named gauge.
func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)

	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: c.namespace,
				Name:      name,
				Help:      "Gauge " + name,
			},
			keys,
		)
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			return
		}
		c.gauges[name] = vec
	}
	c.mu.Unlock()

	gauge, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	gauge.Set(value)
}

// splitLabels splits a label map into sorted-stable key and value slices.
// Map iteration order is randomized, so keys are sorted to keep the vector
// label order deterministic across calls.
func splitLabels(labels map[string]string) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}
