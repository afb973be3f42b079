// Package jsonpath evaluates jq-style path expressions against JSON-like
// data. Workflow definitions use these expressions to pull item arrays,
// expected counts, and subflow inputs out of run payloads.
package jsonpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// Evaluation limits. Definitions are operator-supplied, not hostile, but an
// expensive expression must never stall a dispatch worker.
const (
	// DefaultTimeout bounds one expression evaluation
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the serialized input document (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates path expressions under a timeout and an input size cap.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor. Zero values fall back to DefaultTimeout
// and DefaultMaxInputSize.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	e := &Executor{timeout: timeout, maxInputSize: maxInputSize}
	if e.timeout == 0 {
		e.timeout = DefaultTimeout
	}
	if e.maxInputSize == 0 {
		e.maxInputSize = DefaultMaxInputSize
	}
	return e
}

// Execute runs a path expression against the given data. A single result is
// returned directly; multiple results collect into an array; none yields nil.
// An empty expression returns the data unchanged.
func (e *Executor) Execute(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	if expression == "" {
		return data, nil
	}

	input, err := e.normalizeInput(data)
	if err != nil {
		return nil, err
	}

	code, err := compile(expression)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := gather(code.Run(input))
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-execCtx.Done():
		return nil, fmt.Errorf("execution timeout after %v", e.timeout)
	}
}

// gather drains a query iterator into the result shape Execute documents.
func gather(iter gojq.Iter) (interface{}, error) {
	var results []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, failed := v.(error); failed {
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Items evaluates an expression expected to yield an array and returns its
// elements. A nil result yields an empty slice. A scalar result is an error:
// item sources must resolve to arrays.
func (e *Executor) Items(ctx context.Context, expression string, data interface{}) ([]interface{}, error) {
	result, err := e.Execute(ctx, expression, data)
	if err != nil {
		return nil, err
	}

	switch v := result.(type) {
	case nil:
		return []interface{}{}, nil
	case []interface{}:
		return v, nil
	default:
		return nil, fmt.Errorf("expression %q must resolve to an array, got %T", expression, result)
	}
}

// Count evaluates an expression expected to yield a non-negative integer.
// Numeric JSON values and numeric strings are coerced.
func (e *Executor) Count(ctx context.Context, expression string, data interface{}) (int, error) {
	result, err := e.Execute(ctx, expression, data)
	if err != nil {
		return 0, err
	}

	var n int
	switch v := result.(type) {
	case int:
		n = v
	case float64:
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("expression %q yielded non-integer number %q", expression, v.String())
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("expression %q yielded non-numeric string %q", expression, v)
		}
		n = i
	default:
		return 0, fmt.Errorf("expression %q must resolve to a number, got %T", expression, result)
	}

	if n < 0 {
		return 0, fmt.Errorf("expression %q yielded negative count %d", expression, n)
	}
	return n, nil
}

// Validate validates a path expression by attempting to compile it.
// This is used during workflow validation to catch syntax errors early.
func Validate(expression string) error {
	if expression == "" {
		return nil
	}

	if _, err := compile(expression); err != nil {
		return err
	}
	return nil
}

// compile parses and compiles an expression. A leading "$" segment is
// accepted as an alias for "." so definitions written in JSONPath style
// ("$.docs") evaluate the same as jq style (".docs").
func compile(expression string) (*gojq.Code, error) {
	expression = normalize(expression)

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid path expression: %w", err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("path compilation failed: %w", err)
	}

	return code, nil
}

// normalize rewrites a JSONPath-style root marker to jq syntax.
func normalize(expression string) string {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "$" {
		return "."
	}
	if strings.HasPrefix(trimmed, "$.") || strings.HasPrefix(trimmed, "$[") {
		return trimmed[1:]
	}
	return trimmed
}

// normalizeInput bounds the input size and converts it to plain JSON values.
// Store documents decode into driver-specific map and array types that gojq
// rejects; a JSON round trip yields exactly the shapes it accepts.
func (e *Executor) normalizeInput(data interface{}) (interface{}, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	if int64(len(jsonData)) > e.maxInputSize {
		return nil, fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)",
			len(jsonData), e.maxInputSize)
	}

	var normalized interface{}
	if err := json.Unmarshal(jsonData, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize data: %w", err)
	}
	return normalized, nil
}
