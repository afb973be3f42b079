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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpanHelpers_RecordSpanData(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	_, span := StartTaskSpan(context.Background(), tracer, "task_1", "agent")
	span.SetAttributes(map[string]any{
		"attempt":  2,
		"resumed":  true,
		"score":    0.5,
		"parent":   "task_0",
		"received": int64(3),
	})
	span.AddEvent("claimed", map[string]any{"worker": "w1"})
	span.RecordError(errors.New("agent unreachable"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "task: agent", got.Name())
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "agent unreachable", got.Status().Description)

	kind, ok := spanAttr(got.Attributes(), "task.kind")
	require.True(t, ok)
	assert.Equal(t, "agent", kind.AsString())

	attempt, ok := spanAttr(got.Attributes(), "attempt")
	require.True(t, ok)
	assert.Equal(t, int64(2), attempt.AsInt64())

	resumed, ok := spanAttr(got.Attributes(), "resumed")
	require.True(t, ok)
	assert.True(t, resumed.AsBool())

	require.NotEmpty(t, got.Events())
	assert.Equal(t, "claimed", got.Events()[0].Name)
}

func TestTimerSpan_StartsNewTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartTimerSpan(context.Background(), tp.Tracer("test"), "batch_deadline", "task_9")
	span.SetOK()
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "timer: batch_deadline", ended[0].Name())
	assert.False(t, ended[0].Parent().IsValid())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)

	kind, ok := spanAttr(ended[0].Attributes(), "timer.kind")
	require.True(t, ok)
	assert.Equal(t, "batch_deadline", kind.AsString())
}

func TestSpan_NilSafe(t *testing.T) {
	var span *Span

	span.SetAttributes(map[string]any{"x": 1})
	span.AddEvent("noop", nil)
	span.RecordError(errors.New("ignored"))
	span.SetOK()
	span.End()

	assert.Empty(t, span.TraceID())
	assert.Empty(t, span.SpanID())
}
