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

// Package log builds the daemon's slog loggers and carries the field-key
// vocabulary the rest of the codebase logs with.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	// FormatJSON emits one JSON object per record (the daemon default)
	FormatJSON Format = "json"
	// FormatText emits human-readable key=value records
	FormatText Format = "text"
)

// LevelTrace sits below Debug for payload-level output: callback bodies,
// rendered webhook requests, raw store documents.
const LevelTrace = slog.Level(-8)

// Shared field keys. Using the constants keeps run/task/step identifiers
// queryable across every component's records.
const (
	RunIDKey    = "run_id"
	TaskIDKey   = "task_id"
	StepIDKey   = "step_id"
	WorkflowKey = "workflow"
	EventKey    = "event"
	DurationKey = "duration_ms"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	// Default: info
	Level string

	// Format is json or text.
	// Default: json
	Format Format

	// Output receives the records.
	// Default: os.Stderr
	Output io.Writer

	// AddSource stamps records with file:line.
	// Default: false
	AddSource bool
}

// DefaultConfig returns the daemon defaults: info-level JSON on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment:
//   - WEFT_DEBUG: true/1 forces debug level plus source info and wins
//     over the level variables
//   - WEFT_LOG_LEVEL, then LOG_LEVEL: minimum level
//   - LOG_FORMAT: json or text
//   - LOG_SOURCE: 1 adds file:line
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("WEFT_DEBUG") {
	case "true", "1":
		cfg.Level = "debug"
		cfg.AddSource = true
	case "":
		if level := firstEnv("WEFT_LOG_LEVEL", "LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// New creates a structured logger from the given configuration. A nil config
// gets the defaults; an unknown format falls back to JSON.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(cfg.Output, opts))
	}
	return slog.New(slog.NewJSONHandler(cfg.Output, opts))
}

// parseLevel maps a level name to slog.Level; unknown names mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelationID binds the cross-process correlation ID.
func WithCorrelationID(logger *slog.Logger, correlationID string) *slog.Logger {
	return logger.With("correlation_id", correlationID)
}

// WithRequestID binds the per-request ID.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

// WithComponent names the subsystem emitting the records.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext binds run_id and workflow name.
func WithRunContext(logger *slog.Logger, runID, workflowName string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(WorkflowKey, workflowName),
	)
}

// WithStepContext binds run_id and step_id.
func WithStepContext(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(StepIDKey, stepID),
	)
}

// WithTaskContext binds run_id and task_id.
func WithTaskContext(logger *slog.Logger, runID, taskID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(TaskIDKey, taskID),
	)
}

// Attribute constructors, so call sites need only this package.

func Attr(key string, value any) slog.Attr { return slog.Any(key, value) }

func String(key, value string) slog.Attr { return slog.String(key, value) }

func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }

func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }

// Error puts err under the conventional "error" key.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Duration records a millisecond duration under key + "_ms".
func Duration(key string, value int64) slog.Attr {
	return slog.Int64(key+"_ms", value)
}

// SanitizeAPIKey masks a credential down to its last 4 characters. Short
// keys redact entirely rather than leak most of their content.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}

// SanitizeSecret redacts a value outright. Use for anything that must never
// reach the log stream, whatever its length.
func SanitizeSecret(secret string) string {
	return "[REDACTED]"
}

// Trace logs at LevelTrace, skipping attribute evaluation when the level is
// disabled. Callback and webhook payload logging goes through here.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
