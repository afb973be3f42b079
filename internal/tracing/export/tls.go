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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder assembles TLS settings for the OTLP exporters.
type TLSConfigBuilder struct {
	config *tls.Config
}

// NewTLSConfigBuilder starts from secure defaults: TLS 1.2 minimum and
// modern AEAD cipher suites.
func NewTLSConfigBuilder() *TLSConfigBuilder {
	return &TLSConfigBuilder{
		config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			},
		},
	}
}

// WithMinVersion sets the minimum TLS version. Versions below 1.2 are
// clamped to 1.2.
func (b *TLSConfigBuilder) WithMinVersion(version uint16) *TLSConfigBuilder {
	if version < tls.VersionTLS12 {
		version = tls.VersionTLS12
	}
	b.config.MinVersion = version
	return b
}

// WithServerName sets the expected server name for SNI and certificate
// verification.
func (b *TLSConfigBuilder) WithServerName(serverName string) *TLSConfigBuilder {
	b.config.ServerName = serverName
	return b
}

// WithInsecureSkipVerify disables certificate verification. Development
// collectors only.
func (b *TLSConfigBuilder) WithInsecureSkipVerify(skip bool) *TLSConfigBuilder {
	b.config.InsecureSkipVerify = skip
	return b
}

// WithCustomCA trusts the PEM certificate at caFile for server
// verification instead of the system pool.
func (b *TLSConfigBuilder) WithCustomCA(caFile string) error {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return fmt.Errorf("reading CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("parsing CA certificate %s: no PEM certificates found", caFile)
	}

	b.config.RootCAs = caCertPool
	return nil
}

// WithSystemCertPool verifies server certificates against the system
// pool.
func (b *TLSConfigBuilder) WithSystemCertPool() error {
	certPool, err := x509.SystemCertPool()
	if err != nil {
		return fmt.Errorf("loading system cert pool: %w", err)
	}
	b.config.RootCAs = certPool
	return nil
}

// Build returns the assembled TLS config.
func (b *TLSConfigBuilder) Build() *tls.Config {
	return b.config
}

// ValidateTLSConfig rejects configs that weaken the TLS 1.2 floor.
// InsecureSkipVerify passes validation; the exporter configs gate it
// behind an explicit opt-out instead.
func ValidateTLSConfig(cfg *tls.Config) error {
	if cfg == nil {
		return fmt.Errorf("TLS config is nil")
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		return fmt.Errorf("minimum TLS version must be 1.2 or higher, got %d", cfg.MinVersion)
	}
	return nil
}

// TLSConfigInput is the declarative TLS shape carried by exporter
// configuration.
type TLSConfigInput struct {
	Enabled           bool
	VerifyCertificate bool
	CACertPath        string
}

// BuildTLSConfig turns exporter configuration into a TLS config.
// Returns nil when TLS is disabled.
func BuildTLSConfig(input TLSConfigInput) (*tls.Config, error) {
	if !input.Enabled {
		return nil, nil
	}

	builder := NewTLSConfigBuilder()
	if !input.VerifyCertificate {
		builder.WithInsecureSkipVerify(true)
	}

	if input.CACertPath != "" {
		if err := builder.WithCustomCA(input.CACertPath); err != nil {
			return nil, err
		}
	} else if input.VerifyCertificate {
		if err := builder.WithSystemCertPool(); err != nil {
			return nil, err
		}
	}

	return builder.Build(), nil
}
