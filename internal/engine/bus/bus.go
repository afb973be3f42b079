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

// Package bus is the in-process event bus connecting the engine services
// to observers such as the SSE stream.
//
// Services publish only after their store write has committed, so every
// event a subscriber sees describes durable state. Delivery is synchronous
// and in subscriber-registration order; the bus holds no history and does
// not replay.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/engine/store"
)

// EventType names a bus topic.
type EventType string

// Task events.
const (
	EventTaskCreated         EventType = "task.created"
	EventTaskUpdated         EventType = "task.updated"
	EventTaskStatusChanged   EventType = "task.status.changed"
	EventTaskAssigneeChanged EventType = "task.assignee.changed"
	EventTaskPriorityChanged EventType = "task.priority.changed"
	EventTaskMetadataChanged EventType = "task.metadata.changed"
	EventTaskMoved           EventType = "task.moved"
	EventTaskCommentAdded    EventType = "task.comment.added"
	EventTaskDeleted         EventType = "task.deleted"
)

// Workflow run events.
const (
	EventRunCreated       EventType = "workflow.run.created"
	EventRunStarted       EventType = "workflow.run.started"
	EventRunStepStarted   EventType = "workflow.run.step.started"
	EventRunStepCompleted EventType = "workflow.run.step.completed"
	EventRunStepFailed    EventType = "workflow.run.step.failed"
	EventRunCompleted     EventType = "workflow.run.completed"
	EventRunFailed        EventType = "workflow.run.failed"
	EventRunCancelled     EventType = "workflow.run.cancelled"
	EventRunPaused        EventType = "workflow.run.paused"
	EventRunResumed       EventType = "workflow.run.resumed"
)

// Event is one published occurrence. Payload carries the post-image
// snapshot of the subject; subscribers must not mutate it.
type Event struct {
	ID        uint64              `json:"id"`
	Type      EventType           `json:"type"`
	SubjectID string              `json:"subjectId"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   any                 `json:"payload,omitempty"`
	Changes   []store.FieldChange `json:"changes,omitempty"`
}

// Handler receives events matching a subscription pattern.
type Handler func(Event)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus dispatches events to pattern subscribers.
type Bus struct {
	logger *slog.Logger

	seq    atomic.Uint64
	nextID atomic.Uint64

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for a topic pattern and returns a
// subscription id. Patterns are an exact type ("task.created"), a prefix
// wildcard ("task.*") or the global wildcard ("*").
func (b *Bus) Subscribe(pattern string, handler Handler) uint64 {
	id := b.nextID.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}
	b.subs = append(b.subs, &subscription{id: id, pattern: pattern, handler: handler})
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish assigns the event id and timestamp and delivers to matching
// subscribers in registration order. A panicking handler is logged and
// skipped; the rest still run. Returns the assigned event id, zero when
// the bus is closed.
func (b *Bus) Publish(event Event) uint64 {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	event.ID = b.seq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range subs {
		if !matchPattern(sub.pattern, string(event.Type)) {
			continue
		}
		b.deliver(sub, event)
	}
	return event.ID
}

func (b *Bus) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"pattern", sub.pattern,
				"eventType", event.Type,
				"eventId", event.ID,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// Close stops delivery. Publish after Close is a no-op; Subscribe after
// Close registers nothing.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

// matchPattern reports whether a topic pattern covers an event type.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
