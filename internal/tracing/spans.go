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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps an OpenTelemetry span with nil-safe helpers, so callers
// can thread a span through code paths that sometimes run untraced.
type Span struct {
	span trace.Span
}

// StartRunSpan opens a span for starting or advancing a workflow run.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, workflowID string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("run: %s", workflowID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("span.type", "run"),
		),
	)
	return ctx, &Span{span: span}
}

// StartTaskSpan opens a span for a task operation such as a transition.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, taskID, kind string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("task: %s", kind),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.kind", kind),
			attribute.String("span.type", "task"),
		),
	)
	return ctx, &Span{span: span}
}

// StartHTTPSpan opens a server span for an inbound request. The caller
// attaches the matched route and status once the handler returns; the
// raw path stays out of the span name to keep names low-cardinality.
func StartHTTPSpan(ctx context.Context, tracer trace.Tracer, method string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("http: %s", method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("span.type", "http"),
		),
	)
	return ctx, &Span{span: span}
}

// StartTimerSpan opens a root span for a claimed durable timer. Timer
// fires have no inbound request to join, so this is where those traces
// begin.
func StartTimerSpan(ctx context.Context, tracer trace.Tracer, kind, taskID string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("timer: %s", kind),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("timer.kind", kind),
			attribute.String("task.id", taskID),
			attribute.String("span.type", "timer"),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(toAttributes(attrs)...)
}

// AddEvent records a timestamped event within the span.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

// RecordError records the error and marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span successful.
func (s *Span) SetOK() {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// End completes the span.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID, or "" for a nil span.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

// SpanID returns the span ID, or "" for a nil span.
func (s *Span) SpanID() string {
	if s == nil || s.span == nil {
		return ""
	}
	return s.span.SpanContext().SpanID().String()
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
