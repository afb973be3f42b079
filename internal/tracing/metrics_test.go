// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestCollector(t *testing.T) (*MetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	mc, err := NewMetricsCollector(mp)
	require.NoError(t, err)
	return mc, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func counterPoints(t *testing.T, rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()

	m, ok := findMetric(rm, name)
	require.True(t, ok, "metric %s not collected", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	return sum.DataPoints
}

func gaugePoints(t *testing.T, rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()

	m, ok := findMetric(rm, name)
	require.True(t, ok, "metric %s not collected", name)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "metric %s is not an int64 gauge", name)
	return gauge.DataPoints
}

func pointValue(t *testing.T, points []metricdata.DataPoint[int64], attrs ...attribute.KeyValue) int64 {
	t.Helper()

	want := attribute.NewSet(attrs...)
	for _, dp := range points {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	t.Fatalf("no data point with attributes %v", attrs)
	return 0
}

func TestMetricsCollector_RunLifecycle(t *testing.T) {
	mc, reader := newTestCollector(t)
	ctx := context.Background()

	mc.RecordRunStart(ctx, "run_1", "wf_orders")
	mc.RecordRunStart(ctx, "run_2", "wf_orders")

	rm := collectMetrics(t, reader)
	active := gaugePoints(t, rm, "weft_active_runs")
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].Value)

	mc.RecordRunComplete(ctx, "run_1", "wf_orders", "completed", "api", 3*time.Second)

	rm = collectMetrics(t, reader)
	runs := counterPoints(t, rm, "weft_runs_total")
	assert.Equal(t, int64(1), pointValue(t, runs,
		attribute.String("workflow", "wf_orders"),
		attribute.String("status", "completed"),
		attribute.String("trigger", "api"),
	))

	active = gaugePoints(t, rm, "weft_active_runs")
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].Value)

	m, ok := findMetric(rm, "weft_run_duration_seconds")
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 3.0, hist.DataPoints[0].Sum, 0.001)
}

func TestMetricsCollector_CallbacksAndBatches(t *testing.T) {
	mc, reader := newTestCollector(t)
	ctx := context.Background()

	mc.RecordCallback(ctx, "callback", "accepted")
	mc.RecordCallback(ctx, "callback", "accepted")
	mc.RecordCallback(ctx, "item", "rate_limited")
	mc.RecordBatchItems(ctx, "received", 5)
	mc.RecordBatchItems(ctx, "received", 0)
	mc.RecordBoundaryEvaluation(ctx, "foreach", "threshold_met_with_deadline")
	mc.RecordTimerFire(ctx, "batch_deadline")
	mc.RecordEventPublished(ctx, "task.status.changed")

	rm := collectMetrics(t, reader)

	callbacks := counterPoints(t, rm, "weft_callbacks_total")
	assert.Equal(t, int64(2), pointValue(t, callbacks,
		attribute.String("route", "callback"),
		attribute.String("outcome", "accepted"),
	))
	assert.Equal(t, int64(1), pointValue(t, callbacks,
		attribute.String("route", "item"),
		attribute.String("outcome", "rate_limited"),
	))

	items := counterPoints(t, rm, "weft_batch_items_total")
	assert.Equal(t, int64(5), pointValue(t, items, attribute.String("outcome", "received")))

	boundaries := counterPoints(t, rm, "weft_boundary_evaluations_total")
	assert.Equal(t, int64(1), pointValue(t, boundaries,
		attribute.String("kind", "foreach"),
		attribute.String("reason", "threshold_met_with_deadline"),
	))

	timers := counterPoints(t, rm, "weft_timer_fires_total")
	assert.Equal(t, int64(1), pointValue(t, timers, attribute.String("kind", "batch_deadline")))

	events := counterPoints(t, rm, "weft_events_published_total")
	assert.Equal(t, int64(1), pointValue(t, events, attribute.String("type", "task.status.changed")))
}

func TestMetricsCollector_TasksAndHTTP(t *testing.T) {
	mc, reader := newTestCollector(t)
	ctx := context.Background()

	mc.RecordTaskTerminal(ctx, "agent", "completed", 1500*time.Millisecond)
	mc.RecordTaskTerminal(ctx, "agent", "failed", 0)
	mc.RecordHTTPRequest(ctx, "POST", "/v1/workflows/{workflowID}/runs", 201, 42*time.Millisecond)

	rm := collectMetrics(t, reader)

	tasks := counterPoints(t, rm, "weft_tasks_total")
	assert.Equal(t, int64(1), pointValue(t, tasks,
		attribute.String("kind", "agent"),
		attribute.String("status", "completed"),
	))
	assert.Equal(t, int64(1), pointValue(t, tasks,
		attribute.String("kind", "agent"),
		attribute.String("status", "failed"),
	))

	// Zero durations are counted but not timed.
	m, ok := findMetric(rm, "weft_task_duration_seconds")
	require.True(t, ok)
	taskHist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, taskHist.DataPoints, 1)
	assert.InDelta(t, 1.5, taskHist.DataPoints[0].Sum, 0.001)

	m, ok = findMetric(rm, "weft_http_request_duration_seconds")
	require.True(t, ok)
	httpHist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, httpHist.DataPoints, 1)
	dp := httpHist.DataPoints[0]
	assert.Equal(t, uint64(1), dp.Count)

	status, ok := dp.Attributes.Value(attribute.Key("status"))
	require.True(t, ok)
	assert.Equal(t, "201", status.AsString())
	route, ok := dp.Attributes.Value(attribute.Key("route"))
	require.True(t, ok)
	assert.Equal(t, "/v1/workflows/{workflowID}/runs", route.AsString())
}

func TestMetricsCollector_SSEClientsGauge(t *testing.T) {
	mc, reader := newTestCollector(t)

	// Without a counter wired the callback observes nothing, so the
	// instrument yields no data points.
	rm := collectMetrics(t, reader)
	_, ok := findMetric(rm, "weft_sse_clients")
	assert.False(t, ok)

	mc.SetSSEClientCounter(fakeClientCounter(7))

	rm = collectMetrics(t, reader)
	points := gaugePoints(t, rm, "weft_sse_clients")
	require.Len(t, points, 1)
	assert.Equal(t, int64(7), points[0].Value)
}

type fakeClientCounter int

func (f fakeClientCounter) ClientCount() int { return int(f) }
