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

package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	wefterrors "github.com/weftworks/weft/pkg/errors"

	"github.com/weftworks/weft/internal/engine/store"
)

// CreateTask inserts a new task and returns the stored document.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) (*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	t := task.Clone()
	if t.ID == "" {
		t.ID = store.NewTaskID()
	}
	if t.Status == "" {
		t.Status = store.TaskStatusPending
	}
	if t.Urgency == "" {
		t.Urgency = store.UrgencyNormal
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if _, err := s.tasks.InsertOne(ctx, t); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, &wefterrors.ConflictError{Resource: "task", ID: t.ID, Reason: "task already exists"}
		}
		return nil, storeErr("tasks.insert", err)
	}
	return t, nil
}

// GetTask returns a task or a NotFoundError.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t store.Task
	err := readRetry(ctx, func() error {
		e := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
		if e != nil && !errors.Is(e, mongodriver.ErrNoDocuments) {
			return storeErr("tasks.findOne", e)
		}
		return e
	})
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies a partial update and returns the post-image.
func (s *Store) UpdateTask(ctx context.Context, id string, update store.UpdateTask) (*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{"updatedAt": time.Now().UTC()}
	unset := bson.M{}

	if update.Title != nil {
		set["title"] = *update.Title
	}
	if update.Summary != nil {
		set["summary"] = *update.Summary
	}
	if update.ExtraPrompt != nil {
		set["extraPrompt"] = *update.ExtraPrompt
	}
	if update.Urgency != nil {
		set["urgency"] = *update.Urgency
	}
	if update.Assignee != nil {
		set["assignee"] = *update.Assignee
	}
	if update.Tags != nil {
		set["tags"] = *update.Tags
	}
	if update.ParentID != nil {
		if *update.ParentID == "" {
			unset["parentId"] = ""
		} else {
			set["parentId"] = *update.ParentID
		}
	}
	if update.ClearDueAt {
		unset["dueAt"] = ""
	} else if update.DueAt != nil {
		set["dueAt"] = *update.DueAt
	}
	if update.ExpectedQuantity != nil {
		set["expectedQuantity"] = *update.ExpectedQuantity
	}
	for k, v := range update.Metadata {
		// Dotted paths merge key by key instead of replacing the map.
		set["metadata."+k] = v
	}
	if update.Archived != nil {
		set["archived"] = *update.Archived
	}

	updateDoc := bson.M{"$set": set}
	if len(unset) > 0 {
		updateDoc["$unset"] = unset
	}

	var t store.Task
	err := s.tasks.FindOneAndUpdate(ctx, bson.M{"_id": id}, updateDoc,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&t)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
		}
		return nil, storeErr("tasks.update", err)
	}
	return &t, nil
}

// DeleteTask removes a task document.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeErr("tasks.delete", err)
	}
	if res.DeletedCount == 0 {
		return &wefterrors.NotFoundError{Resource: "task", ID: id}
	}
	return nil
}

// AtomicTransition is the task-status compare-and-set. It returns
// (nil, nil) when the document exists but is not in an allowed status,
// so callers can distinguish a lost election from a missing task.
func (s *Store) AtomicTransition(ctx context.Context, id string, from []store.TaskStatus, mutation store.TaskMutation) (*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"status":    mutation.To,
		"updatedAt": now,
	}
	if mutation.Error != "" {
		set["error"] = mutation.Error
	}
	if mutation.DecisionResult != "" {
		set["decisionResult"] = mutation.DecisionResult
	}
	for k, v := range mutation.Metadata {
		set["metadata."+k] = v
	}
	if mutation.Sealed != nil {
		set["isSealed"] = *mutation.Sealed
	}
	if mutation.ExpectedQuantity != nil {
		set["expectedQuantity"] = *mutation.ExpectedQuantity
	}
	if !mutation.ClearSchedule && mutation.ScheduledFor != nil {
		set["scheduledFor"] = *mutation.ScheduledFor
		set["scheduleKind"] = mutation.ScheduleKind
	}

	updateDoc := bson.M{"$set": set}

	// $min stamps a missing field and never rewinds an existing one, so
	// the first in_progress and the first terminal transition win.
	stamps := bson.M{}
	if mutation.To == store.TaskStatusInProgress {
		stamps["startedAt"] = now
	}
	if mutation.To.IsTerminal() {
		stamps["completedAt"] = now
	}
	if len(stamps) > 0 {
		updateDoc["$min"] = stamps
	}

	if mutation.ClearSchedule {
		updateDoc["$unset"] = bson.M{"scheduledFor": "", "scheduleKind": ""}
	}
	if mutation.AppendAttempt != nil {
		updateDoc["$push"] = bson.M{"webhookAttempts": *mutation.AppendAttempt}
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	var t store.Task
	err := s.tasks.FindOneAndUpdate(ctx, filter, updateDoc,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&t)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, storeErr("tasks.findOneAndUpdate", err)
	}

	// No match: either the CAS lost or the task does not exist.
	n, err := s.tasks.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return nil, storeErr("tasks.count", err)
	}
	if n == 0 {
		return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
	}
	return nil, nil
}

// IncrementCounters atomically adjusts batch counters and returns the
// post-image.
func (s *Store) IncrementCounters(ctx context.Context, id string, deltas store.CounterDeltas) (*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	inc := bson.M{}
	if deltas.Received != 0 {
		inc["batchCounters.receivedCount"] = deltas.Received
	}
	if deltas.Processed != 0 {
		inc["batchCounters.processedCount"] = deltas.Processed
	}
	if deltas.Failed != 0 {
		inc["batchCounters.failedCount"] = deltas.Failed
	}

	updateDoc := bson.M{"$set": bson.M{"updatedAt": time.Now().UTC()}}
	if len(inc) > 0 {
		updateDoc["$inc"] = inc
	}
	if deltas.ExpectedAtLeast > 0 {
		// $max keeps concurrent total updates monotone.
		updateDoc["$max"] = bson.M{"batchCounters.expectedCount": deltas.ExpectedAtLeast}
	}

	var t store.Task
	err := s.tasks.FindOneAndUpdate(ctx, bson.M{"_id": id}, updateDoc,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&t)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
		}
		return nil, storeErr("tasks.incrementCounters", err)
	}

	c := t.BatchCounters
	if c.ExpectedCount < 0 || c.ReceivedCount < 0 || c.ProcessedCount < 0 || c.FailedCount < 0 {
		return nil, &wefterrors.FatalError{
			Op:     "tasks.incrementCounters",
			Reason: "batch counter went negative",
		}
	}
	return &t, nil
}

// FindAndClaimDue leases the earliest due schedule of the given kinds by
// consuming it, and returns the pre-claim document image.
func (s *Store) FindAndClaimDue(ctx context.Context, now time.Time, kinds []store.TimerKind) (*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"scheduledFor": bson.M{"$lte": now},
		"status":       bson.M{"$nin": terminalTaskStatuses()},
	}
	if len(kinds) > 0 {
		filter["scheduleKind"] = bson.M{"$in": kinds}
	}
	updateDoc := bson.M{
		"$unset": bson.M{"scheduledFor": "", "scheduleKind": ""},
		"$set":   bson.M{"updatedAt": time.Now().UTC()},
	}

	var t store.Task
	err := s.tasks.FindOneAndUpdate(ctx, filter, updateDoc,
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "scheduledFor", Value: 1}}).
			SetReturnDocument(options.Before)).Decode(&t)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, storeErr("tasks.claimDue", err)
	}
	return &t, nil
}

// ListTasks returns a page of tasks and the total match count.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*store.Task, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := taskQuery(filter)

	total, err := s.tasks.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, storeErr("tasks.count", err)
	}

	findOpts := options.Find().SetSort(sortDoc(page.Sort, taskSortFields))
	if page.Offset > 0 {
		findOpts.SetSkip(page.Offset)
	}
	if page.Limit > 0 {
		findOpts.SetLimit(page.Limit)
	}

	cursor, err := s.tasks.Find(ctx, query, findOpts)
	if err != nil {
		return nil, 0, storeErr("tasks.find", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var tasks []*store.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, 0, storeErr("tasks.decode", err)
	}
	return tasks, total, nil
}

// ChildTasks returns the immediate children of a task, oldest first.
func (s *Store) ChildTasks(ctx context.Context, parentID string) ([]*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.childrenOf(ctx, bson.M{"parentId": parentID})
}

// DescendantTasks returns the transitive children of a task breadth first.
// maxDepth zero means no limit.
func (s *Store) DescendantTasks(ctx context.Context, rootID string, maxDepth int) ([]*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []*store.Task
	frontier := []string{rootID}
	for depth := 0; len(frontier) > 0; depth++ {
		if maxDepth > 0 && depth >= maxDepth {
			break
		}
		children, err := s.childrenOf(ctx, bson.M{"parentId": bson.M{"$in": frontier}})
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
		frontier = frontier[:0]
		for _, c := range children {
			frontier = append(frontier, c.ID)
		}
	}
	return out, nil
}

func (s *Store) childrenOf(ctx context.Context, filter bson.M) ([]*store.Task, error) {
	cursor, err := s.tasks.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, storeErr("tasks.children", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var children []*store.Task
	if err := cursor.All(ctx, &children); err != nil {
		return nil, storeErr("tasks.children.decode", err)
	}
	return children, nil
}

// CountByStatus counts matching tasks grouped by status.
func (s *Store) CountByStatus(ctx context.Context, filter store.TaskFilter) (map[store.TaskStatus]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: taskQuery(filter)}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.tasks.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, storeErr("tasks.countByStatus", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var rows []struct {
		Status store.TaskStatus `bson:"_id"`
		Count  int64            `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, storeErr("tasks.countByStatus.decode", err)
	}

	counts := make(map[store.TaskStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// taskQuery translates a TaskFilter into a find filter. The archived
// pseudo-status widens the query to flagged documents; otherwise archived
// tasks are excluded unless the filter opts in.
func taskQuery(f store.TaskFilter) bson.M {
	query := bson.M{}
	if f.RunID != "" {
		query["workflowRunId"] = f.RunID
	}
	if f.ParentID != "" {
		query["parentId"] = f.ParentID
	}
	if f.StepID != "" {
		query["workflowStepId"] = f.StepID
	}

	wantArchived := f.IncludeArchived
	if len(f.Statuses) > 0 {
		var rest []store.TaskStatus
		alias := false
		for _, status := range f.Statuses {
			if status == store.TaskStatusArchived {
				alias = true
				continue
			}
			rest = append(rest, status)
		}
		if alias {
			wantArchived = true
			or := bson.A{bson.M{"archived": true}}
			if len(rest) > 0 {
				or = append(or, bson.M{"status": bson.M{"$in": rest}})
			}
			query["$or"] = or
		} else {
			query["status"] = bson.M{"$in": rest}
		}
	}
	if !wantArchived {
		query["archived"] = bson.M{"$ne": true}
	}

	if len(f.TaskTypes) > 0 {
		query["taskType"] = bson.M{"$in": f.TaskTypes}
	}
	if len(f.Tags) > 0 {
		query["tags"] = bson.M{"$all": f.Tags}
	}
	if f.Assignee != "" {
		query["assignee"] = f.Assignee
	}
	if f.Text != "" {
		query["$text"] = bson.M{"$search": f.Text}
	}
	return query
}

var taskSortFields = map[string]string{
	"createdAt": "createdAt",
	"updatedAt": "updatedAt",
	"title":     "title",
	"urgency":   "urgency",
	"dueAt":     "dueAt",
}

func terminalTaskStatuses() []store.TaskStatus {
	return []store.TaskStatus{
		store.TaskStatusCompleted,
		store.TaskStatusFailed,
		store.TaskStatusCancelled,
	}
}

// sortDoc parses "-field" syntax against an allowlist. Unknown fields fall
// back to newest first.
func sortDoc(key string, allowed map[string]string) bson.D {
	desc := true
	field := "createdAt"
	if key != "" {
		name := key
		desc = false
		if name[0] == '-' {
			desc = true
			name = name[1:]
		}
		if mapped, ok := allowed[name]; ok {
			field = mapped
		} else {
			desc = true
		}
	}
	order := 1
	if desc {
		order = -1
	}
	return bson.D{{Key: field, Value: order}, {Key: "_id", Value: order}}
}
