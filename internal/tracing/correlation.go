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
	"regexp"

	"github.com/google/uuid"
)

// CorrelationID links one request across the API, the engine and any
// outbound deliveries it causes. RFC 4122 UUID form.
type CorrelationID string

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

// Headers accepted for correlation ID propagation. X-Correlation-ID is
// canonical; X-Request-ID is accepted on ingress for compatibility.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NewCorrelationID generates a fresh correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

func (c CorrelationID) String() string {
	return string(c)
}

// IsValid reports whether the ID is a well-formed UUID.
func (c CorrelationID) IsValid() bool {
	return uuidRegex.MatchString(string(c))
}

// ToContext stores the correlation ID in the context.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContext returns the context's correlation ID, generating one when
// the context carries none.
func FromContext(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return NewCorrelationID()
}

// FromContextOrEmpty returns the context's correlation ID, or "" when
// the context carries none. Callers that must not invent IDs (outbound
// transports) use this form.
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return ""
}

// ExtractFromRequest reads the correlation ID from the request headers,
// X-Correlation-ID first, then X-Request-ID.
func ExtractFromRequest(r *http.Request) (CorrelationID, bool) {
	if id := r.Header.Get(HeaderCorrelationID); id != "" {
		return CorrelationID(id), true
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return CorrelationID(id), true
	}
	return "", false
}

// InjectIntoRequest stamps the context's correlation ID onto an outbound
// request. No-op when the context carries none.
func InjectIntoRequest(ctx context.Context, req *http.Request) {
	if id := FromContextOrEmpty(ctx); id != "" {
		req.Header.Set(HeaderCorrelationID, id.String())
	}
}

// InjectIntoResponse echoes the correlation ID on a response.
func InjectIntoResponse(w http.ResponseWriter, id CorrelationID) {
	if id != "" {
		w.Header().Set(HeaderCorrelationID, id.String())
	}
}

// CorrelationMiddleware extracts or generates the request's correlation
// ID, rejects malformed ones, stores the ID in the request context and
// echoes it on the response. A caller-supplied ID must be a UUID; a
// missing one is generated, never an error.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id CorrelationID
		if extracted, found := ExtractFromRequest(r); found {
			if !extracted.IsValid() {
				http.Error(w, "invalid correlation id: must be a UUID", http.StatusBadRequest)
				return
			}
			id = extracted
		} else {
			id = NewCorrelationID()
		}

		InjectIntoResponse(w, id)
		next.ServeHTTP(w, r.WithContext(ToContext(r.Context(), id)))
	})
}
