package reporter

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
)

func TestMetricsRegisteredWithMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	enc, err := encoding.New(encoding.JSON)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.QueuedMaxSpans = 2
	r, err := New(cfg, enc, newStubSender(), Settings{Logger: zap.NewNop(), MeterProvider: provider})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	for i := 0; i < 3; i++ {
		r.Report(generateSpan(i))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}

	reported, ok := found["span_reporter.spans_reported"].(metricdata.Sum[int64])
	require.True(t, ok, "spans_reported should be an int64 sum")
	require.Len(t, reported.DataPoints, 1)
	assert.Equal(t, int64(2), reported.DataPoints[0].Value)

	queued, ok := found["span_reporter.queued_spans"].(metricdata.Gauge[int64])
	require.True(t, ok, "queued_spans should be an int64 gauge")
	assert.Equal(t, int64(2), queued.DataPoints[0].Value)

	dropped, ok := found["span_reporter.spans_dropped"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, dropped.DataPoints, len(DropReasons), "One series per drop reason")
	for _, dp := range dropped.DataPoints {
		reason, _ := dp.Attributes.Value("reason")
		if reason.AsString() == string(DropQueueFull) {
			assert.Equal(t, int64(1), dp.Value)
		}
	}
}

func TestPrometheusCollector(t *testing.T) {
	cfg := testConfig()
	cfg.QueuedMaxSpans = 1
	r, _ := newTestReporter(t, cfg, newStubSender())

	r.Report(generateSpan(0))
	r.Report(generateSpan(1))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(r.NewCollector(prometheus.Labels{"service": "test"})))

	count, err := testutil.GatherAndCount(reg, "span_reporter_spans_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, len(DropReasons), count)

	expected := `
# HELP span_reporter_queued_spans Spans currently waiting in the queue.
# TYPE span_reporter_queued_spans gauge
span_reporter_queued_spans{service="test"} 1
# HELP span_reporter_spans_reported_total Spans accepted into the queue.
# TYPE span_reporter_spans_reported_total counter
span_reporter_spans_reported_total{service="test"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"span_reporter_queued_spans", "span_reporter_spans_reported_total"))
}
