package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// No t.Parallel: the test swaps the global MeterProvider.
func TestOtelMetricsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	m := NewOtelMetrics()
	m.IncCounter("orders.accepted", 1, "retailer", "amazon")
	m.RecordTimer("order.processing.duration", 2*time.Second)
	m.RecordGauge("scheduler.tasks.active", 3)
	m.RecordGauge("scheduler.tasks.active", 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	byName := make(map[string]metricdata.Metrics)
	for _, mt := range rm.ScopeMetrics[0].Metrics {
		byName[mt.Name] = mt
	}

	counter, ok := byName["orders.accepted"]
	require.True(t, ok)
	sum, ok := counter.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, 1.0, sum.DataPoints[0].Value)

	timer, ok := byName["order.processing.duration"]
	require.True(t, ok)
	hist, ok := timer.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, 2.0, hist.DataPoints[0].Sum)

	// Gauges keep only the latest value, under the metric's own name.
	gauge, ok := byName["scheduler.tasks.active"]
	require.True(t, ok)
	g, ok := gauge.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, 1.0, g.DataPoints[0].Value)
}
