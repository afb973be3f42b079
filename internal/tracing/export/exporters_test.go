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

package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewConsoleExporter_WritesSpans(t *testing.T) {
	var buf bytes.Buffer
	exporter, err := NewConsoleExporter(ConsoleConfig{Writer: &buf, PrettyPrint: true})
	require.NoError(t, err)

	stub := tracetest.SpanStub{Name: "run: wf_orders"}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "run: wf_orders")
}

func TestNewOTLPExporter_RequiresEndpoint(t *testing.T) {
	_, err := NewOTLPExporter(context.Background(), OTLPConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestNewOTLPExporter_RejectsWeakTLS(t *testing.T) {
	_, err := NewOTLPExporter(context.Background(), OTLPConfig{
		Endpoint:  "collector:4317",
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS10},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum TLS version")
}

func TestNewOTLPExporter_LazyDial(t *testing.T) {
	// The gRPC connection dials on first export, so construction
	// succeeds without a collector listening.
	exporter, err := NewOTLPExporter(context.Background(), OTLPConfig{
		Endpoint: "localhost:4317",
		Insecure: true,
		Headers:  map[string]string{"x-weft-tenant": "test"},
	})
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestNewOTLPHTTPExporter_RequiresEndpoint(t *testing.T) {
	_, err := NewOTLPHTTPExporter(context.Background(), OTLPHTTPConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestNewOTLPHTTPExporter_RejectsWeakTLS(t *testing.T) {
	_, err := NewOTLPHTTPExporter(context.Background(), OTLPHTTPConfig{
		Endpoint:  "collector:4318",
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS10},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum TLS version")
}

func TestNewOTLPHTTPExporter_Constructs(t *testing.T) {
	exporter, err := NewOTLPHTTPExporter(context.Background(), OTLPHTTPConfig{
		Endpoint: "localhost:4318",
		URLPath:  "/v1/traces",
		Insecure: true,
	})
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))
}
