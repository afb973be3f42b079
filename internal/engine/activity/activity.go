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

// Package activity records the append-only per-task audit history.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/weftworks/weft/internal/engine/store"
)

// Activity event types.
const (
	EventCreated         = "created"
	EventUpdated         = "updated"
	EventStatusChanged   = "status_changed"
	EventCommentAdded    = "comment_added"
	EventArchived        = "archived"
	EventUnarchived      = "unarchived"
	EventDeleted         = "deleted"
	EventCallbackReceive = "callback_received"
	EventWebhookAttempt  = "webhook_attempt"
)

// Actor identifies who performed an action.
type Actor struct {
	ID   string
	Type store.ActorType
}

// SystemActor is the engine acting on its own behalf.
var SystemActor = Actor{ID: "engine", Type: store.ActorSystem}

// WorkflowActor attributes an action to a workflow run.
func WorkflowActor(runID string) Actor {
	return Actor{ID: runID, Type: store.ActorWorkflow}
}

// Recorder appends activity entries. Failures are logged, never
// propagated: audit history must not break the operation it describes.
type Recorder struct {
	store  store.ActivityStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates an activity recorder.
func NewRecorder(s store.ActivityStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one entry.
func (r *Recorder) Record(ctx context.Context, taskID, eventType string, actor Actor, changes []store.FieldChange) {
	r.append(ctx, &store.ActivityEntry{
		TaskID:    taskID,
		EventType: eventType,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Changes:   changes,
	})
}

// RecordComment appends a comment entry.
func (r *Recorder) RecordComment(ctx context.Context, taskID string, actor Actor, comment string) {
	r.append(ctx, &store.ActivityEntry{
		TaskID:    taskID,
		EventType: EventCommentAdded,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Comment:   comment,
	})
}

// RecordMeta appends an entry carrying free-form metadata, such as a
// callback receipt or webhook attempt summary.
func (r *Recorder) RecordMeta(ctx context.Context, taskID, eventType string, actor Actor, meta map[string]any) {
	r.append(ctx, &store.ActivityEntry{
		TaskID:    taskID,
		EventType: eventType,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Metadata:  meta,
	})
}

// List returns a task's history, oldest first.
func (r *Recorder) List(ctx context.Context, taskID string) ([]*store.ActivityEntry, error) {
	return r.store.ListActivity(ctx, taskID)
}

func (r *Recorder) append(ctx context.Context, entry *store.ActivityEntry) {
	entry.ID = store.NewActivityID()
	entry.Timestamp = r.now()
	if err := r.store.AppendActivity(ctx, entry); err != nil {
		r.logger.Error("activity append failed",
			"taskId", entry.TaskID,
			"eventType", entry.EventType,
			"error", err,
		)
	}
}
