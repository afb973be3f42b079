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

package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvPrefix is the prefix for secret environment variables.
const EnvPrefix = "WEFT_SECRET_"

// EnvProvider resolves secrets from WEFT_SECRET_* environment variables.
// The secret name is uppercased and every non-alphanumeric rune maps to an
// underscore, so "slack-token" resolves from WEFT_SECRET_SLACK_TOKEN.
// An empty variable counts as unset.
type EnvProvider struct {
	// Prefix overrides the WEFT_SECRET_ default when non-empty.
	Prefix string
}

// Resolve looks the normalized name up in the environment.
func (e EnvProvider) Resolve(name string) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	if v := os.Getenv(prefix + normalizeName(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func normalizeName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return strings.ToUpper(mapped)
}
