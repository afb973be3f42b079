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

/*
Package tracing provides distributed tracing, correlation IDs and
Prometheus metrics for the weft daemon.

The package wraps the OpenTelemetry SDK. One Provider owns the tracer
provider, the meter provider and the Prometheus exporter; the daemon
builds it once at startup and shuts it down last so the final spans
flush.

	provider, err := tracing.NewProvider(ctx, tracing.Config{
	    Enabled:        true,
	    ServiceName:    "weftd",
	    ServiceVersion: version,
	    Exporters: []tracing.ExporterConfig{
	        {Type: "otlp", Endpoint: "localhost:4317"},
	    },
	})

	tracer := provider.Tracer("weft.api")
	ctx, span := tracer.Start(ctx, "run.start")
	defer span.End()

# Correlation IDs

Correlation IDs link one request across the API, the engine and any
outbound webhook deliveries. The middleware accepts X-Correlation-ID or
X-Request-ID, validates the UUID form, generates one when absent and
echoes it on the response:

	handler = tracing.CorrelationMiddleware(handler)

Outbound clients read the ID back from the context:

	if id := tracing.FromContextOrEmpty(ctx); id.IsValid() {
	    req.Header.Set(tracing.HeaderCorrelationID, id.String())
	}

# Metrics

MetricsCollector records engine activity; the daemon feeds it from the
event bus and the HTTP middleware, and /metrics serves the Prometheus
registry through promhttp:

	weft_runs_total{workflow,status,trigger}
	weft_run_duration_seconds{workflow,status,trigger}
	weft_tasks_total{kind,status}
	weft_callbacks_total{route,outcome}
	weft_batch_items_total{outcome}
	weft_boundary_evaluations_total{kind,reason}
	weft_timer_fires_total{kind}
	weft_events_published_total{type}
	weft_http_request_duration_seconds{method,route,status}
	weft_active_runs
	weft_sse_clients

# Export

Span export is configured per destination: "otlp" (gRPC), "otlp_http"
or "console". Exporters run behind batch span processors; a destination
that fails to build is skipped with a warning rather than blocking
startup. Config.Enabled gates span export only, never metrics.
*/
package tracing
