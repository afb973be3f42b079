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

package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", "task.created", true},
		{"*", "workflow.run.completed", true},
		{"task.*", "task.created", true},
		{"task.*", "task.status.changed", true},
		{"task.*", "workflow.run.created", false},
		{"workflow.run.*", "workflow.run.step.completed", true},
		{"workflow.run.*", "workflow.runner", false},
		{"task.created", "task.created", true},
		{"task.created", "task.updated", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.eventType))
		})
	}
}

func TestBus_PublishOrderAndIDs(t *testing.T) {
	b := New(nil)

	var order []string
	b.Subscribe("task.*", func(e Event) { order = append(order, "first") })
	b.Subscribe("*", func(e Event) { order = append(order, "second") })
	b.Subscribe("task.created", func(e Event) { order = append(order, "third") })

	id1 := b.Publish(Event{Type: EventTaskCreated, SubjectID: "task_1"})
	id2 := b.Publish(Event{Type: EventTaskCreated, SubjectID: "task_2"})

	assert.Equal(t, []string{"first", "second", "third", "first", "second", "third"}, order)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
}

func TestBus_EventStamping(t *testing.T) {
	b := New(nil)

	var got Event
	b.Subscribe("*", func(e Event) { got = e })
	b.Publish(Event{Type: EventRunCreated, SubjectID: "run_1"})

	require.Equal(t, uint64(1), got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "run_1", got.SubjectID)
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New(nil)

	var delivered bool
	b.Subscribe("*", func(e Event) { panic("boom") })
	b.Subscribe("*", func(e Event) { delivered = true })

	assert.NotPanics(t, func() {
		b.Publish(Event{Type: EventTaskUpdated, SubjectID: "task_1"})
	})
	assert.True(t, delivered, "handler after the panicking one must still run")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(nil)

	var calls int
	id := b.Subscribe("*", func(e Event) { calls++ })
	b.Publish(Event{Type: EventTaskCreated})
	b.Unsubscribe(id)
	b.Publish(Event{Type: EventTaskCreated})

	assert.Equal(t, 1, calls)
}

func TestBus_Close(t *testing.T) {
	b := New(nil)

	var calls int
	b.Subscribe("*", func(e Event) { calls++ })
	b.Close()

	assert.Zero(t, b.Publish(Event{Type: EventTaskCreated}))
	assert.Equal(t, 0, calls)

	// Late subscriptions after close receive nothing either.
	b.Subscribe("*", func(e Event) { calls++ })
	b.Publish(Event{Type: EventTaskCreated})
	assert.Equal(t, 0, calls)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	b.Subscribe("*", func(e Event) {
		mu.Lock()
		seen[e.ID] = true
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Event{Type: EventTaskUpdated})
		}()
	}
	wg.Wait()

	// Ids are unique across concurrent publishers.
	assert.Len(t, seen, 100)
}
