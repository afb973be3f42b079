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

package log

import (
	"log/slog"
	"time"
)

// Operation represents a unit of engine work for logging purposes:
// a step activation, a boundary evaluation, a timer fire.
type Operation struct {
	// Kind is the type of work (e.g., "activate", "completion", "boundary", "timer").
	Kind string

	// SubjectID identifies the task or run the work applies to.
	SubjectID string

	// RunID is the owning workflow run, when known.
	RunID string

	// CorrelationID is the correlation ID for tracing the work item.
	CorrelationID string

	// Metadata contains additional operation metadata.
	Metadata map[string]interface{}
}

// OperationResult represents the outcome of a unit of engine work.
type OperationResult struct {
	// Success indicates whether the work completed without error.
	Success bool

	// Error is the error message if the work failed.
	Error string

	// DurationMs is the duration of the work in milliseconds.
	DurationMs int64

	// Metadata contains additional result metadata.
	Metadata map[string]interface{}
}

// LogOperationStart logs the start of a unit of engine work.
func LogOperationStart(logger *slog.Logger, op *Operation) {
	attrs := []any{
		"event", "op_start",
		"op_kind", op.Kind,
		"subject_id", op.SubjectID,
	}

	if op.RunID != "" {
		attrs = append(attrs, RunIDKey, op.RunID)
	}

	if op.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", op.CorrelationID)
	}

	for k, v := range op.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Debug("operation started", attrs...)
}

// LogOperationEnd logs the completion of a unit of engine work.
func LogOperationEnd(logger *slog.Logger, op *Operation, result *OperationResult) {
	attrs := []any{
		"event", "op_end",
		"op_kind", op.Kind,
		"subject_id", op.SubjectID,
		"success", result.Success,
		"duration_ms", result.DurationMs,
	}

	if op.RunID != "" {
		attrs = append(attrs, RunIDKey, op.RunID)
	}

	if op.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", op.CorrelationID)
	}

	if result.Error != "" {
		attrs = append(attrs, "error", result.Error)
	}

	for k, v := range result.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelDebug
	message := "operation completed"

	if !result.Success {
		level = slog.LevelError
		message = "operation failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// OperationMiddleware wraps a unit of engine work with logging.
// It logs the work when it starts and the outcome when it completes.
type OperationMiddleware struct {
	logger *slog.Logger
}

// NewOperationMiddleware creates a new operation logging middleware.
func NewOperationMiddleware(logger *slog.Logger) *OperationMiddleware {
	return &OperationMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that performs a unit of engine work.
// It logs the start and outcome automatically.
func (m *OperationMiddleware) Handler(op *Operation, handler func() error) error {
	start := time.Now()

	LogOperationStart(m.logger, op)

	err := handler()

	duration := time.Since(start).Milliseconds()

	result := &OperationResult{
		Success:    err == nil,
		DurationMs: duration,
	}

	if err != nil {
		result.Error = err.Error()
	}

	LogOperationEnd(m.logger, op, result)

	return err
}
