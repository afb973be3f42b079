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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents caller input validation failures.
// Use this for malformed requests, unknown identifiers in payloads,
// or constraint violations detected before any state changes.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType identifies the error category for classification.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "task")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType identifies the error category for classification.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents a state conflict: an operation that is well
// formed but not legal against the current state of the resource.
// Use this for illegal status transitions, duplicate idempotency keys
// carrying different payloads, and writes that lost an atomic election.
type ConflictError struct {
	// Resource is the type of resource (e.g., "task", "run", "batch item")
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// ErrorType identifies the error category for classification.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *ConflictError) IsRetryable() bool { return false }

// UnauthorizedError represents failed authentication: a missing or
// invalid API credential, or a callback secret that does not match.
type UnauthorizedError struct {
	// Reason explains what was wrong with the presented credential.
	// It must never contain the credential itself.
	Reason string
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return "unauthorized"
}

// ErrorType identifies the error category for classification.
func (e *UnauthorizedError) ErrorType() string { return "unauthorized" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *UnauthorizedError) IsRetryable() bool { return false }

// StoreUnavailableError represents a document store that cannot be
// reached or answered too slowly. Operations failing with this error
// are safe to retry once the store recovers.
type StoreUnavailableError struct {
	// Op describes the store operation that failed (e.g., "tasks.findOneAndUpdate")
	Op string

	// Cause is the underlying driver error
	Cause error
}

// Error implements the error interface.
func (e *StoreUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("store unavailable during %s", e.Op)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category for classification.
func (e *StoreUnavailableError) ErrorType() string { return "store_unavailable" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *StoreUnavailableError) IsRetryable() bool { return true }

// FatalError represents an impossible state: an internal invariant that
// should never break has broken. Fatal errors are logged loudly and the
// affected step or run is failed rather than retried.
type FatalError struct {
	// Op describes the operation that observed the impossible state
	Op string

	// Reason describes the broken invariant
	Reason string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	msg := fmt.Sprintf("fatal: %s", e.Reason)
	if e.Op != "" {
		msg = fmt.Sprintf("fatal during %s: %s", e.Op, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category for classification.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *FatalError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.uri", "auth.mode")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category for classification.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an internal operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "path extraction", "webhook request")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category for classification.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *TimeoutError) IsRetryable() bool { return true }
