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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wefterrors "github.com/weftworks/weft/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete Weft daemon configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Auth          AuthConfig          `yaml:"auth,omitempty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit,omitempty"`
	Definitions   DefinitionsConfig   `yaml:"definitions,omitempty"`
	Secrets       SecretsConfig       `yaml:"secrets,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ServerConfig configures the HTTP listener and daemon lifecycle.
type ServerConfig struct {
	// Listen is the TCP address the API server binds to.
	// Environment: WEFT_LISTEN
	// Default: :8080
	Listen string `yaml:"listen,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	// Environment: WEFT_PID_FILE
	PIDFile string `yaml:"pid_file,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Environment: WEFT_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout is the maximum duration to wait for in-flight engine work
	// to complete during shutdown. When the daemon receives SIGTERM, it stops
	// accepting new work and waits up to this duration before forcing shutdown.
	// Environment: WEFT_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format is the log format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the document store backing the engine.
type StoreConfig struct {
	// Backend is the store type: "mongo" or "memory".
	// The memory backend keeps all state in process and is intended for
	// development and tests; mongo is the production backend.
	// Environment: WEFT_STORE_BACKEND
	// Default: mongo
	Backend string `yaml:"backend,omitempty"`

	// URI is the MongoDB connection string.
	// Environment: WEFT_STORE_URI (falls back to MONGODB_URI)
	// Default: mongodb://localhost:27017
	URI string `yaml:"uri,omitempty"`

	// Database is the database name.
	// Environment: WEFT_STORE_DATABASE
	// Default: weft
	Database string `yaml:"database,omitempty"`

	// OpTimeout bounds individual store operations.
	// Default: 10s
	OpTimeout time.Duration `yaml:"op_timeout,omitempty"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	// Workers is the size of the engine worker pool. Step activations,
	// completion routing, boundary evaluations and timer fires all execute
	// on this pool.
	// Environment: WEFT_WORKERS
	// Default: 8
	Workers int `yaml:"workers,omitempty"`

	// TimerGranularity is the tick interval of the timer wheel. Deadlines
	// fire no later than one granularity after their due time.
	// Default: 1s
	TimerGranularity time.Duration `yaml:"timer_granularity,omitempty"`

	// SSEHeartbeat is the interval between heartbeat comments on the
	// event stream, keeping idle connections alive through proxies.
	// Environment: WEFT_SSE_HEARTBEAT
	// Default: 30s
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat,omitempty"`

	// WebhookRetry is the backoff policy for webhook steps that do not
	// declare their own. The attempt cap is a per-step definition field.
	WebhookRetry WebhookRetryConfig `yaml:"webhook_retry,omitempty"`
}

// WebhookRetryConfig is the default backoff policy for outbound webhook
// delivery retries.
type WebhookRetryConfig struct {
	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	// Default: 1s
	BackoffBase time.Duration `yaml:"backoff_base,omitempty"`

	// BackoffMax caps the delay between retries.
	// Default: 5m
	BackoffMax time.Duration `yaml:"backoff_max,omitempty"`
}

// AuthConfig configures authentication for the management API.
// Callback endpoints are excluded: they authenticate with per-run secrets.
type AuthConfig struct {
	// Mode is the authentication mode: "none", "api_key" or "bearer".
	// Environment: WEFT_AUTH_MODE
	// Default: none
	Mode string `yaml:"mode,omitempty"`

	// APIKeys is the list of valid API keys for mode "api_key".
	// Environment: WEFT_API_KEYS (comma-separated)
	APIKeys []string `yaml:"api_keys,omitempty"`

	// JWTSecret is the HMAC secret for validating bearer tokens (mode "bearer").
	// Environment: WEFT_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// JWTIssuer, when set, requires tokens to carry this issuer claim.
	JWTIssuer string `yaml:"jwt_issuer,omitempty"`
}

// RateLimitConfig configures per-run rate limiting of callback ingress.
type RateLimitConfig struct {
	// Enabled activates callback rate limiting.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// CallbacksPerSecond is the sustained per-run callback rate.
	// Default: 50
	CallbacksPerSecond float64 `yaml:"callbacks_per_second,omitempty"`

	// Burst is the per-run burst allowance.
	// Default: 100
	Burst int `yaml:"burst,omitempty"`
}

// DefinitionsConfig configures workflow definition loading.
type DefinitionsConfig struct {
	// Dir is the directory searched (recursively) for workflow YAML files.
	// Environment: WEFT_DEFINITIONS_DIR
	// Default: ./workflows
	Dir string `yaml:"dir,omitempty"`

	// Watch enables hot-reload: changed definition files are re-validated
	// and published as new workflow versions. In-flight runs keep the
	// version they started with.
	// Default: false
	Watch bool `yaml:"watch"`
}

// SecretsConfig configures secret resolution for webhook templates.
type SecretsConfig struct {
	// File is the path to an encrypted secrets file. Empty disables the
	// file provider; environment variables (WEFT_SECRET_<NAME>) always work.
	// Environment: WEFT_SECRETS_FILE
	File string `yaml:"file,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// Enabled controls whether the OpenTelemetry provider is installed.
	// Prometheus metrics are always served on /metrics.
	// Environment: WEFT_OBSERVABILITY_ENABLED
	// Default: false
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	// Default: weft
	ServiceName string `yaml:"service_name,omitempty"`

	// ServiceVersion is the application version reported in traces.
	ServiceVersion string `yaml:"service_version,omitempty"`

	// Exporter configures the OTLP trace export destination.
	Exporter ExporterConfig `yaml:"exporter,omitempty"`
}

// ExporterConfig defines the OTLP trace export destination.
type ExporterConfig struct {
	// Protocol is the exporter protocol: "grpc", "http" or "stdout".
	// Default: grpc
	Protocol string `yaml:"protocol,omitempty"`

	// Endpoint is the OTLP receiver address (host:port).
	// Environment: WEFT_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Store: StoreConfig{
			Backend:   "mongo",
			URI:       "mongodb://localhost:27017",
			Database:  "weft",
			OpTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Workers:          8,
			TimerGranularity: time.Second,
			SSEHeartbeat:     30 * time.Second,
			WebhookRetry: WebhookRetryConfig{
				BackoffBase: time.Second,
				BackoffMax:  5 * time.Minute,
			},
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			CallbacksPerSecond: 50,
			Burst:              100,
		},
		Definitions: DefinitionsConfig{
			Dir:   "./workflows",
			Watch: false,
		},
		Observability: ObservabilityConfig{
			Enabled:        false,
			ServiceName:    "weft",
			ServiceVersion: "unknown",
			Exporter: ExporterConfig{
				Protocol: "grpc",
			},
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, only defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &wefterrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &wefterrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs (e.g., just a store URI) to work without
// specifying all fields explicitly.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = defaults.Server.DrainTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.URI == "" {
		c.Store.URI = defaults.Store.URI
	}
	if c.Store.Database == "" {
		c.Store.Database = defaults.Store.Database
	}
	if c.Store.OpTimeout == 0 {
		c.Store.OpTimeout = defaults.Store.OpTimeout
	}

	if c.Engine.Workers == 0 {
		c.Engine.Workers = defaults.Engine.Workers
	}
	if c.Engine.TimerGranularity == 0 {
		c.Engine.TimerGranularity = defaults.Engine.TimerGranularity
	}
	if c.Engine.SSEHeartbeat == 0 {
		c.Engine.SSEHeartbeat = defaults.Engine.SSEHeartbeat
	}
	if c.Engine.WebhookRetry.BackoffBase == 0 {
		c.Engine.WebhookRetry.BackoffBase = defaults.Engine.WebhookRetry.BackoffBase
	}
	if c.Engine.WebhookRetry.BackoffMax == 0 {
		c.Engine.WebhookRetry.BackoffMax = defaults.Engine.WebhookRetry.BackoffMax
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = defaults.Auth.Mode
	}

	if c.RateLimit.CallbacksPerSecond == 0 {
		c.RateLimit.CallbacksPerSecond = defaults.RateLimit.CallbacksPerSecond
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}

	if c.Definitions.Dir == "" {
		c.Definitions.Dir = defaults.Definitions.Dir
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.ServiceVersion == "" {
		c.Observability.ServiceVersion = defaults.Observability.ServiceVersion
	}
	if c.Observability.Exporter.Protocol == "" {
		c.Observability.Exporter.Protocol = defaults.Observability.Exporter.Protocol
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("WEFT_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("WEFT_PID_FILE"); val != "" {
		c.Server.PIDFile = val
	}
	if val := os.Getenv("WEFT_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = duration
		}
	}
	if val := os.Getenv("WEFT_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.DrainTimeout = duration
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("WEFT_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("WEFT_STORE_URI"); val != "" {
		c.Store.URI = val
	} else if val := os.Getenv("MONGODB_URI"); val != "" {
		c.Store.URI = val
	}
	if val := os.Getenv("WEFT_STORE_DATABASE"); val != "" {
		c.Store.Database = val
	}

	if val := os.Getenv("WEFT_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Engine.Workers = workers
		}
	}
	if val := os.Getenv("WEFT_SSE_HEARTBEAT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Engine.SSEHeartbeat = duration
		}
	}

	if val := os.Getenv("WEFT_AUTH_MODE"); val != "" {
		c.Auth.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("WEFT_API_KEYS"); val != "" {
		keys := strings.Split(val, ",")
		for i, k := range keys {
			keys[i] = strings.TrimSpace(k)
		}
		c.Auth.APIKeys = keys
	}
	if val := os.Getenv("WEFT_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}

	if val := os.Getenv("WEFT_DEFINITIONS_DIR"); val != "" {
		c.Definitions.Dir = val
	}
	if val := os.Getenv("WEFT_SECRETS_FILE"); val != "" {
		c.Secrets.File = val
	}

	if val := os.Getenv("WEFT_OBSERVABILITY_ENABLED"); val != "" {
		c.Observability.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("WEFT_OTLP_ENDPOINT"); val != "" {
		c.Observability.Exporter.Endpoint = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen must not be empty", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case "mongo":
		if c.Store.URI == "" {
			return fmt.Errorf("%w: store.uri is required for the mongo backend", ErrInvalidConfig)
		}
		if c.Store.Database == "" {
			return fmt.Errorf("%w: store.database is required for the mongo backend", ErrInvalidConfig)
		}
	case "memory":
		// No further settings required.
	default:
		return fmt.Errorf("%w: store.backend must be \"mongo\" or \"memory\", got %q", ErrInvalidConfig, c.Store.Backend)
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("%w: engine.workers must be at least 1, got %d", ErrInvalidConfig, c.Engine.Workers)
	}
	if c.Engine.TimerGranularity < 100*time.Millisecond {
		return fmt.Errorf("%w: engine.timer_granularity must be at least 100ms, got %v", ErrInvalidConfig, c.Engine.TimerGranularity)
	}
	if c.Engine.SSEHeartbeat < time.Second {
		return fmt.Errorf("%w: engine.sse_heartbeat must be at least 1s, got %v", ErrInvalidConfig, c.Engine.SSEHeartbeat)
	}
	if c.Engine.WebhookRetry.BackoffBase < 0 || c.Engine.WebhookRetry.BackoffMax < 0 {
		return fmt.Errorf("%w: engine.webhook_retry backoff durations must not be negative", ErrInvalidConfig)
	}

	switch c.Auth.Mode {
	case "none":
	case "api_key":
		if len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("%w: auth.api_keys must not be empty when auth.mode is \"api_key\"", ErrInvalidConfig)
		}
	case "bearer":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("%w: auth.jwt_secret is required when auth.mode is \"bearer\"", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: auth.mode must be \"none\", \"api_key\" or \"bearer\", got %q", ErrInvalidConfig, c.Auth.Mode)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.CallbacksPerSecond <= 0 {
			return fmt.Errorf("%w: rate_limit.callbacks_per_second must be positive", ErrInvalidConfig)
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("%w: rate_limit.burst must be at least 1", ErrInvalidConfig)
		}
	}

	switch c.Observability.Exporter.Protocol {
	case "grpc", "http", "stdout":
	default:
		return fmt.Errorf("%w: observability.exporter.protocol must be \"grpc\", \"http\" or \"stdout\", got %q", ErrInvalidConfig, c.Observability.Exporter.Protocol)
	}
	if c.Observability.Enabled && c.Observability.Exporter.Protocol != "stdout" && c.Observability.Exporter.Endpoint == "" {
		return fmt.Errorf("%w: observability.exporter.endpoint is required when observability is enabled", ErrInvalidConfig)
	}

	return nil
}
