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
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// OTLPHTTPConfig configures the OTLP HTTP exporter.
type OTLPHTTPConfig struct {
	// Endpoint is the collector address as host:port, without scheme.
	Endpoint string

	// URLPath overrides the trace ingest path, "/v1/traces" when empty.
	URLPath string

	// Insecure switches the exporter to plain HTTP. Local collectors
	// only.
	Insecure bool

	// TLSConfig overrides the client TLS settings. Ignored when
	// Insecure is set; a TLS 1.2+ default applies when nil.
	TLSConfig *tls.Config

	// Headers are attached to every export request, typically for
	// collector authentication.
	Headers map[string]string
}

// NewOTLPHTTPExporter sends spans to an OTLP collector over HTTP. Useful
// where gRPC egress is blocked or the collector is a hosted vendor
// endpoint.
func NewOTLPHTTPExporter(ctx context.Context, cfg OTLPHTTPConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required")
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}

	switch {
	case cfg.Insecure:
		opts = append(opts, otlptracehttp.WithInsecure())
	case cfg.TLSConfig != nil:
		if err := ValidateTLSConfig(cfg.TLSConfig); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(cfg.TLSConfig))
	default:
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp http exporter: %w", err)
	}
	return exporter, nil
}
