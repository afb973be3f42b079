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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationID_IsValid(t *testing.T) {
	tests := []struct {
		name string
		id   CorrelationID
		want bool
	}{
		{"generated", NewCorrelationID(), true},
		{"literal uuid", "7ae02c34-88a5-4cfc-9d27-bd11e1a0f6d2", true},
		{"uppercase hex", "7AE02C34-88A5-4CFC-9D27-BD11E1A0F6D2", true},
		{"empty", "", false},
		{"not a uuid", "run_01J9", false},
		{"missing group", "7ae02c34-88a5-4cfc-9d27", false},
		{"non hex", "7ae02c34-88a5-4cfc-9d27-bd11e1a0f6dz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.IsValid())
		})
	}
}

func TestCorrelationContext_RoundTrip(t *testing.T) {
	id := NewCorrelationID()
	ctx := ToContext(context.Background(), id)

	assert.Equal(t, id, FromContext(ctx))
	assert.Equal(t, id, FromContextOrEmpty(ctx))
}

func TestFromContext_GeneratesWhenAbsent(t *testing.T) {
	id := FromContext(context.Background())
	assert.True(t, id.IsValid())

	assert.Empty(t, FromContextOrEmpty(context.Background()).String())
}

func TestExtractFromRequest(t *testing.T) {
	const corrID = "7ae02c34-88a5-4cfc-9d27-bd11e1a0f6d2"
	const reqID = "3f1c02aa-5b19-4a8e-9c3d-51a7c0e4b921"

	t.Run("correlation header wins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
		req.Header.Set(HeaderCorrelationID, corrID)
		req.Header.Set(HeaderRequestID, reqID)

		id, ok := ExtractFromRequest(req)
		require.True(t, ok)
		assert.Equal(t, corrID, id.String())
	})

	t.Run("request id accepted alone", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
		req.Header.Set(HeaderRequestID, reqID)

		id, ok := ExtractFromRequest(req)
		require.True(t, ok)
		assert.Equal(t, reqID, id.String())
	})

	t.Run("absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)

		_, ok := ExtractFromRequest(req)
		assert.False(t, ok)
	})
}

func TestInjectIntoRequest(t *testing.T) {
	id := NewCorrelationID()
	ctx := ToContext(context.Background(), id)

	req := httptest.NewRequest(http.MethodPost, "/hooks/build", nil)
	InjectIntoRequest(ctx, req)
	assert.Equal(t, id.String(), req.Header.Get(HeaderCorrelationID))

	bare := httptest.NewRequest(http.MethodPost, "/hooks/build", nil)
	InjectIntoRequest(context.Background(), bare)
	assert.Empty(t, bare.Header.Get(HeaderCorrelationID))
}

func TestCorrelationMiddleware(t *testing.T) {
	t.Run("valid id flows through", func(t *testing.T) {
		const id = "7ae02c34-88a5-4cfc-9d27-bd11e1a0f6d2"

		var seen CorrelationID
		handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = FromContextOrEmpty(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
		req.Header.Set(HeaderCorrelationID, id)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, id, seen.String())
		assert.Equal(t, id, rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("generates when absent", func(t *testing.T) {
		var seen CorrelationID
		handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = FromContextOrEmpty(r.Context())
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

		assert.True(t, seen.IsValid())
		assert.Equal(t, seen.String(), rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("rejects malformed id", func(t *testing.T) {
		called := false
		handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
		req.Header.Set(HeaderCorrelationID, "not-a-uuid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "must be a UUID")
		assert.False(t, called)
	})
}
