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

package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/store/memory"
)

func TestRecorder_RecordAndList(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rec := NewRecorder(mem, nil)

	rec.Record(ctx, "task_1", EventCreated, SystemActor, nil)
	rec.Record(ctx, "task_1", EventStatusChanged, Actor{ID: "alice", Type: store.ActorUser}, []store.FieldChange{
		{Field: "status", OldValue: "pending", NewValue: "in_progress"},
	})
	rec.RecordComment(ctx, "task_1", Actor{ID: "alice", Type: store.ActorUser}, "picking this up")
	rec.Record(ctx, "task_2", EventCreated, SystemActor, nil)

	entries, err := rec.List(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, EventCreated, entries[0].EventType)
	assert.Equal(t, "engine", entries[0].ActorID)
	assert.Equal(t, store.ActorSystem, entries[0].ActorType)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Contains(t, entries[0].ID, "act_")

	assert.Equal(t, EventStatusChanged, entries[1].EventType)
	require.Len(t, entries[1].Changes, 1)
	assert.Equal(t, "status", entries[1].Changes[0].Field)
	assert.Equal(t, "in_progress", entries[1].Changes[0].NewValue)

	assert.Equal(t, EventCommentAdded, entries[2].EventType)
	assert.Equal(t, "picking this up", entries[2].Comment)
}

func TestRecorder_MetadataEntries(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rec := NewRecorder(mem, nil)

	rec.RecordMeta(ctx, "task_1", EventCallbackReceive, WorkflowActor("run_1"), map[string]any{
		"sourceIp": "10.0.0.1",
	})

	entries, err := rec.List(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run_1", entries[0].ActorID)
	assert.Equal(t, store.ActorWorkflow, entries[0].ActorType)
	assert.Equal(t, "10.0.0.1", entries[0].Metadata["sourceIp"])
}

func TestRecorder_OrderIsChronological(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rec := NewRecorder(mem, nil)

	for i := 0; i < 5; i++ {
		rec.Record(ctx, "task_1", EventUpdated, SystemActor, nil)
	}

	entries, err := rec.List(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
}
