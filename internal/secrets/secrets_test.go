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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	p := Static{"slack_token": "xoxb-1"}

	v, err := p.Resolve("slack_token")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-1", v)

	_, err = p.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("WEFT_SECRET_SLACK_TOKEN", "xoxb-2")

	var p EnvProvider

	tests := []struct {
		name    string
		lookup  string
		want    string
		wantErr bool
	}{
		{name: "exact", lookup: "SLACK_TOKEN", want: "xoxb-2"},
		{name: "lowercase", lookup: "slack_token", want: "xoxb-2"},
		{name: "dashes normalized", lookup: "slack-token", want: "xoxb-2"},
		{name: "dots normalized", lookup: "slack.token", want: "xoxb-2"},
		{name: "unset", lookup: "pagerduty_key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := p.Resolve(tt.lookup)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEnvProvider_EmptyValueIsUnset(t *testing.T) {
	t.Setenv("WEFT_SECRET_EMPTY", "")

	var p EnvProvider
	_, err := p.Resolve("empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvProvider_CustomPrefix(t *testing.T) {
	t.Setenv("TEST_SECRET_API_KEY", "k-1")

	p := EnvProvider{Prefix: "TEST_SECRET_"}
	v, err := p.Resolve("api_key")
	require.NoError(t, err)
	assert.Equal(t, "k-1", v)
}

type failingProvider struct{ err error }

func (f failingProvider) Resolve(string) (string, error) {
	return "", f.err
}

func TestChain(t *testing.T) {
	t.Run("first provider wins", func(t *testing.T) {
		c := Chain{
			Static{"token": "from-first"},
			Static{"token": "from-second"},
		}
		v, err := c.Resolve("token")
		require.NoError(t, err)
		assert.Equal(t, "from-first", v)
	})

	t.Run("falls through on not found", func(t *testing.T) {
		c := Chain{
			Static{},
			Static{"token": "from-second"},
		}
		v, err := c.Resolve("token")
		require.NoError(t, err)
		assert.Equal(t, "from-second", v)
	})

	t.Run("all miss", func(t *testing.T) {
		c := Chain{Static{}, Static{}}
		_, err := c.Resolve("token")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("hard failure stops the chain", func(t *testing.T) {
		boom := errors.New("backend unreachable")
		c := Chain{
			failingProvider{err: boom},
			Static{"token": "never reached"},
		}
		_, err := c.Resolve("token")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty chain", func(t *testing.T) {
		_, err := Chain{}.Resolve("token")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
