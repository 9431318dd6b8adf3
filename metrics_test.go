package tormgr

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetricsNilIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.observeBootstrap(50)
		m.setActionQueueDepth(3)
		m.observeCommandLatency("GETINFO", 0.01)
		m.incEvent("STATUS_CLIENT")
		m.incError(ErrTor5xx)
	})
}

func TestMetricsObserveBootstrap(t *testing.T) {
	m := NewMetrics(nil)
	m.observeBootstrap(42)
	require.Equal(t, float64(42), gaugeValue(t, m.bootstrapProgress))
}

func TestMetricsActionQueueDepth(t *testing.T) {
	m := NewMetrics(nil)
	m.setActionQueueDepth(7)
	require.Equal(t, float64(7), gaugeValue(t, m.actionQueueDepth))
}

func TestMetricsCommandLatency(t *testing.T) {
	m := NewMetrics(nil)
	m.observeCommandLatency("SIGNAL", 0.25)

	var metric dto.Metric
	require.NoError(t, m.commandLatency.WithLabelValues("SIGNAL").(prometheus.Histogram).Write(&metric))
	require.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
}

func TestMetricsEventsAndErrors(t *testing.T) {
	m := NewMetrics(nil)
	m.incEvent("STATUS_CLIENT")
	m.incEvent("STATUS_CLIENT")
	m.incError(ErrAuthFailed)

	var evt dto.Metric
	require.NoError(t, m.eventsTotal.WithLabelValues("STATUS_CLIENT").(prometheus.Counter).Write(&evt))
	require.Equal(t, float64(2), evt.GetCounter().GetValue())

	var errM dto.Metric
	require.NoError(t, m.errorsTotal.WithLabelValues(string(ErrAuthFailed)).(prometheus.Counter).Write(&errM))
	require.Equal(t, float64(1), errM.GetCounter().GetValue())
}

func TestMetricsRegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMetricsOrNop(t *testing.T) {
	require.NotNil(t, metricsOrNop(nil))
	m := NewMetrics(nil)
	require.Same(t, m, metricsOrNop(m))
}
