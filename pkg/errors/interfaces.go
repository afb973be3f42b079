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

// ErrorClassifier is implemented by errors callers can branch on without
// type-asserting each concrete type. The API layer maps ErrorType to an
// HTTP status; dispatch workers consult IsRetryable.
type ErrorClassifier interface {
	error

	// ErrorType names the category: "validation", "not_found",
	// "conflict", "store_unavailable", and so on.
	ErrorType() string

	// IsRetryable reports whether retrying the operation can succeed.
	IsRetryable() bool
}
