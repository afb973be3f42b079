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

// Package secrets resolves named secrets for webhook template rendering.
//
// Secrets are referenced by name from workflow definitions and are resolved
// at render time, immediately before an outbound request is built. Resolved
// values never reach the store, the event bus, or the logs.
package secrets

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no provider holds a value for the requested name.
var ErrNotFound = errors.New("secret not found")

// Provider resolves a named secret to its value.
//
// Implementations must not log secret values or embed them in errors.
type Provider interface {
	Resolve(name string) (string, error)
}

// Static resolves secrets from a fixed in-memory map.
type Static map[string]string

// Resolve returns the mapped value for name.
func (s Static) Resolve(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Chain tries each provider in order and returns the first value found.
// A provider failing with anything other than ErrNotFound stops the chain.
type Chain []Provider

// Resolve walks the chain for name.
func (c Chain) Resolve(name string) (string, error) {
	for _, p := range c {
		v, err := p.Resolve(name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
