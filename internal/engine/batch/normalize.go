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

package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Normalized is one callback reduced to its batch meaning: zero or more
// items, an optional authoritative total, and the completion signal. The
// ingress merges header overrides into the payload's workflowUpdate block
// before normalization, so headers need no special handling here.
type Normalized struct {
	Items    []any
	Total    *int64
	Complete bool
}

// Normalize reduces a callback payload. Precedence: an items array wins,
// then a single item, then the payload itself minus the workflowUpdate
// block. A payload that is nothing but workflowUpdate carries zero items;
// that is a pure control message (total update or seal).
func Normalize(payload map[string]any) Normalized {
	var n Normalized
	if payload == nil {
		return n
	}

	if wu, ok := payload["workflowUpdate"].(map[string]any); ok {
		if total, ok := asInt64(wu["total"]); ok && total >= 0 {
			n.Total = &total
		}
		n.Complete = asBool(wu["complete"])
	}

	if items, ok := payload["items"].([]any); ok {
		n.Items = items
		return n
	}
	if item, ok := payload["item"]; ok {
		n.Items = []any{item}
		return n
	}

	rest := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "workflowUpdate" {
			continue
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		n.Items = []any{rest}
	}
	return n
}

// ItemKey returns the caller-provided idempotency key of an item, if any.
func ItemKey(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	key, _ := m["itemKey"].(string)
	return key
}

// payloadHash fingerprints an item for duplicate detection. encoding/json
// sorts map keys, so equal items hash equal regardless of field order.
func payloadHash(item any) string {
	raw, err := json.Marshal(item)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", item))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// asInt64 coerces the numeric shapes JSON decoding and header merging
// produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	}
	return false
}
