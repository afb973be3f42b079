package tracing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ClientCounter reports the number of connected streaming clients. The
// SSE hub implements it; the collector polls it from an observable
// gauge.
type ClientCounter interface {
	ClientCount() int
}

// MetricsCollector records engine activity as Prometheus-compatible
// metrics. The daemon feeds it from the event bus, the timer loop and
// the HTTP middleware; the collector itself knows nothing about the
// engine types.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal       metric.Int64Counter
	tasksTotal      metric.Int64Counter
	callbacksTotal  metric.Int64Counter
	batchItemsTotal metric.Int64Counter
	boundariesTotal metric.Int64Counter
	timerFiresTotal metric.Int64Counter
	eventsTotal     metric.Int64Counter

	// Histograms
	runDuration  metric.Float64Histogram
	taskDuration metric.Float64Histogram
	httpDuration metric.Float64Histogram

	// Gauge state
	activeRunsMu sync.RWMutex
	activeRuns   map[string]bool

	sseMu      sync.RWMutex
	sseClients ClientCounter
}

// NewMetricsCollector registers the weft instruments on the given meter
// provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("weft")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.runsTotal, err = meter.Int64Counter(
		"weft_runs_total",
		metric.WithDescription("Workflow runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.tasksTotal, err = meter.Int64Counter(
		"weft_tasks_total",
		metric.WithDescription("Tasks reaching a terminal status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	mc.callbacksTotal, err = meter.Int64Counter(
		"weft_callbacks_total",
		metric.WithDescription("Inbound run callbacks by route and outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, err
	}

	mc.batchItemsTotal, err = meter.Int64Counter(
		"weft_batch_items_total",
		metric.WithDescription("Fan-out item tasks by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	mc.boundariesTotal, err = meter.Int64Counter(
		"weft_boundary_evaluations_total",
		metric.WithDescription("Fan-out and join boundary settlements by reason"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, err
	}

	mc.timerFiresTotal, err = meter.Int64Counter(
		"weft_timer_fires_total",
		metric.WithDescription("Durable timer fires by kind"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, err
	}

	mc.eventsTotal, err = meter.Int64Counter(
		"weft_events_published_total",
		metric.WithDescription("Events published on the in-process bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"weft_run_duration_seconds",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.taskDuration, err = meter.Float64Histogram(
		"weft_task_duration_seconds",
		metric.WithDescription("Task duration from creation to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.httpDuration, err = meter.Float64Histogram(
		"weft_http_request_duration_seconds",
		metric.WithDescription("Management API request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"weft_active_runs",
		metric.WithDescription("Runs currently pending, running or paused"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"weft_sse_clients",
		metric.WithDescription("Connected event-stream clients"),
		metric.WithUnit("{client}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			mc.sseMu.RLock()
			counter := mc.sseClients
			mc.sseMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.ClientCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart marks a run live for the active-runs gauge.
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, workflowID string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete counts a terminal run and records its duration.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, workflowID, status, trigger string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("status", status),
		attribute.String("trigger", trigger),
	}
	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordTaskTerminal counts a task reaching a terminal status.
func (mc *MetricsCollector) RecordTaskTerminal(ctx context.Context, kind, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("status", status),
	}
	mc.tasksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		mc.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordCallback counts one inbound callback. Route is "callback" or
// "item"; outcome is the admission result (accepted, settled,
// unauthorized, rate_limited, invalid, not_found, conflict).
func (mc *MetricsCollector) RecordCallback(ctx context.Context, route, outcome string) {
	mc.callbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("outcome", outcome),
	))
}

// RecordBatchItems counts fan-out item tasks by outcome (received,
// completed, failed, cancelled).
func (mc *MetricsCollector) RecordBatchItems(ctx context.Context, outcome string, n int64) {
	if n <= 0 {
		return
	}
	mc.batchItemsTotal.Add(ctx, n, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordBoundaryEvaluation counts a settled fan-out or join boundary.
func (mc *MetricsCollector) RecordBoundaryEvaluation(ctx context.Context, kind, reason string) {
	mc.boundariesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// RecordTimerFire counts a claimed durable timer.
func (mc *MetricsCollector) RecordTimerFire(ctx context.Context, kind string) {
	mc.timerFiresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordEventPublished counts one bus event.
func (mc *MetricsCollector) RecordEventPublished(ctx context.Context, eventType string) {
	mc.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
	))
}

// RecordHTTPRequest records one management API request.
func (mc *MetricsCollector) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	mc.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	))
}

// SetSSEClientCounter wires the event-stream hub into the client gauge.
func (mc *MetricsCollector) SetSSEClientCounter(c ClientCounter) {
	mc.sseMu.Lock()
	mc.sseClients = c
	mc.sseMu.Unlock()
}
