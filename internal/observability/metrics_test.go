package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopMetricsCollector(t *testing.T) {
	c := NopMetricsCollector()

	// All operations are silent no-ops.
	c.IncrementCounter("counter", nil)
	c.ObserveHistogram("histogram", 1.5, map[string]string{"a": "b"})
	c.SetGauge("gauge", 42, nil)
}

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	c := NewPrometheusCollector("test", nil)

	c.IncrementCounter("cache_hits_total", map[string]string{"tier": "local"})
	c.IncrementCounter("cache_hits_total", map[string]string{"tier": "local"})
	c.IncrementCounter("cache_hits_total", map[string]string{"tier": "distributed"})

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "test_cache_hits_total", families[0].GetName())

	vec := c.counters["cache_hits_total"]
	assert.Equal(t, 2.0, testutil.ToFloat64(vec.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("distributed")))
}

func TestPrometheusCollector_SetGauge(t *testing.T) {
	c := NewPrometheusCollector("test", nil)

	c.SetGauge("cache_size", 10, nil)
	c.SetGauge("cache_size", 7, nil)

	vec := c.gauges["cache_size"]
	assert.Equal(t, 7.0, testutil.ToFloat64(vec.WithLabelValues()))
}

func TestPrometheusCollector_ObserveHistogram(t *testing.T) {
	c := NewPrometheusCollector("test", nil)

	c.ObserveHistogram("get_duration_ms", 2.5, map[string]string{"operation": "get"})
	c.ObserveHistogram("get_duration_ms", 12, map[string]string{"operation": "get"})

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)

	metric := families[0].GetMetric()
	require.Len(t, metric, 1)
	assert.EqualValues(t, 2, metric[0].GetHistogram().GetSampleCount())
}

func TestPrometheusCollector_ExternalRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewPrometheusCollector("", registry)

	c.IncrementCounter("events_total", nil)

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	// The default namespace applies when none is given.
	assert.Equal(t, "ruleengine_events_total", families[0].GetName())
}

func TestSplitLabels(t *testing.T) {
	keys, values := splitLabels(map[string]string{"b": "2", "a": "1", "c": "3"})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, []string{"1", "2", "3"}, values)

	keys, values = splitLabels(nil)
	assert.Nil(t, keys)
	assert.Nil(t, values)
}
