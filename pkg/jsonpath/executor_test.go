package jsonpath

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       interface{}
		want       interface{}
		wantErr    bool
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]interface{}{"foo": "bar"},
			want:       map[string]interface{}{"foo": "bar"},
		},
		{
			name:       "simple field extraction",
			expression: ".foo",
			data:       map[string]interface{}{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "jsonpath root marker",
			expression: "$.foo",
			data:       map[string]interface{}{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "bare root marker",
			expression: "$",
			data:       map[string]interface{}{"foo": "bar"},
			want:       map[string]interface{}{"foo": "bar"},
		},
		{
			name:       "nested extraction",
			expression: ".a.b",
			data:       map[string]interface{}{"a": map[string]interface{}{"b": float64(3)}},
			want:       float64(3),
		},
		{
			name:       "array map",
			expression: "map(.x)",
			data:       []interface{}{map[string]interface{}{"x": float64(1)}, map[string]interface{}{"x": float64(2)}},
			want:       []interface{}{float64(1), float64(2)},
		},
		{
			name:       "missing field yields nil",
			expression: ".missing",
			data:       map[string]interface{}{"foo": "bar"},
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]interface{}{"foo": "bar"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Execute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutor_Items(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
	data := map[string]interface{}{
		"docs":  []interface{}{map[string]interface{}{"id": float64(1)}, map[string]interface{}{"id": float64(2)}},
		"count": float64(2),
	}

	items, err := executor.Items(context.Background(), "$.docs", data)
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Items() returned %d items, want 2", len(items))
	}

	// Missing path resolves to an empty slice, not an error.
	items, err = executor.Items(context.Background(), ".missing", data)
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Items() on missing path returned %d items, want 0", len(items))
	}

	// Scalars are rejected.
	if _, err := executor.Items(context.Background(), ".count", data); err == nil {
		t.Error("Items() on scalar expected error, got nil")
	}
}

func TestExecutor_Count(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       interface{}
		want       int
		wantErr    bool
	}{
		{
			name:       "number",
			expression: ".total",
			data:       map[string]interface{}{"total": float64(7)},
			want:       7,
		},
		{
			name:       "numeric string",
			expression: ".total",
			data:       map[string]interface{}{"total": "12"},
			want:       12,
		},
		{
			name:       "array length",
			expression: ".docs | length",
			data:       map[string]interface{}{"docs": []interface{}{"a", "b", "c"}},
			want:       3,
		},
		{
			name:       "negative count rejected",
			expression: ".total",
			data:       map[string]interface{}{"total": float64(-1)},
			wantErr:    true,
		},
		{
			name:       "non-numeric rejected",
			expression: ".total",
			data:       map[string]interface{}{"total": "lots"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Count(context.Background(), tt.expression, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Count() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{
			name:       "empty expression is valid",
			expression: "",
		},
		{
			name:       "simple expression is valid",
			expression: ".foo",
		},
		{
			name:       "jsonpath style is valid",
			expression: "$.docs",
		},
		{
			name:       "invalid expression",
			expression: ".[",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.expression)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	executor := NewExecutor(100*time.Millisecond, DefaultMaxInputSize)

	// This expression creates an infinite loop
	_, err := executor.Execute(context.Background(), "while(true; . + 1)", 0)
	if err == nil {
		t.Error("Execute() expected timeout error, got nil")
	}
}
