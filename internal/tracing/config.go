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
	"time"
)

// Config holds observability configuration for the daemon.
type Config struct {
	// Enabled gates span export. Metrics are always collected; a
	// disabled provider samples nothing and builds no exporters.
	Enabled bool

	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Sampling configures trace sampling.
	Sampling SamplingConfig

	// Exporters lists span export destinations.
	Exporters []ExporterConfig

	// BatchSize is the maximum spans per export batch (default 512).
	BatchSize int

	// BatchInterval is how often batches flush (default 5s).
	BatchInterval time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates sampling; false samples everything.
	Enabled bool

	// Rate is the sampled fraction, 0.0 to 1.0.
	Rate float64

	// AlwaysSampleErrors records error spans regardless of rate.
	AlwaysSampleErrors bool
}

// ExporterConfig defines one span export destination.
type ExporterConfig struct {
	// Type is "otlp" (gRPC), "otlp_http" or "console".
	Type string

	// Endpoint is the OTLP receiver address.
	Endpoint string

	// Headers are sent with each export request, typically auth.
	Headers map[string]string

	// TLS configures the exporter connection.
	TLS TLSConfig

	// Timeout bounds one export call.
	Timeout time.Duration
}

// TLSConfig configures exporter transport security.
type TLSConfig struct {
	// Enabled activates TLS; false exports in the clear.
	Enabled bool

	// VerifyCertificate controls server certificate validation.
	VerifyCertificate bool

	// CACertPath points at a PEM bundle for private CAs.
	CACertPath string
}

// DefaultConfig returns the daemon defaults: export off, full sampling
// when enabled, errors always kept.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "weftd",
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Enabled:            false,
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		Exporters:     nil,
		BatchSize:     512,
		BatchInterval: 5 * time.Second,
	}
}
