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

// Package task is the service owning the task lifecycle: creation,
// field updates, the status transition graph, hierarchy traversal and
// the audit trail. Every status change goes through the store's
// compare-and-set, so two actors racing the same transition elect
// exactly one winner.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/store"
)

// transitionSources lists, per target status, the statuses a task may
// come from. Terminal statuses appear in no list: a task transitions to
// a terminal state at most once.
var transitionSources = map[store.TaskStatus][]store.TaskStatus{
	store.TaskStatusPending:    {store.TaskStatusOnHold},
	store.TaskStatusInProgress: {store.TaskStatusPending, store.TaskStatusWaiting, store.TaskStatusOnHold},
	store.TaskStatusWaiting:    {store.TaskStatusPending, store.TaskStatusInProgress},
	store.TaskStatusOnHold:     {store.TaskStatusPending, store.TaskStatusInProgress},
	store.TaskStatusCompleted:  {store.TaskStatusInProgress, store.TaskStatusWaiting},
	store.TaskStatusFailed:     {store.TaskStatusInProgress, store.TaskStatusWaiting},
	store.TaskStatusCancelled:  {store.TaskStatusPending, store.TaskStatusInProgress, store.TaskStatusWaiting, store.TaskStatusOnHold},
}

// CompletionHook observes every task that reaches a terminal status.
// The engine registers one at wiring time to advance runs and roll up
// batch parents; it runs after the transition has committed and its
// events have published.
type CompletionHook func(ctx context.Context, task *store.Task)

// Service owns task state.
type Service struct {
	store    store.TaskStore
	bus      *bus.Bus
	activity *activity.Recorder
	logger   *slog.Logger
	now      func() time.Time

	hookMu sync.RWMutex
	hook   CompletionHook
}

// NewService creates the task service.
func NewService(s store.TaskStore, b *bus.Bus, rec *activity.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		bus:      b,
		activity: rec,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterCompletionHook sets the terminal-transition observer.
func (s *Service) RegisterCompletionHook(h CompletionHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = h
}

func (s *Service) fireCompletionHook(ctx context.Context, t *store.Task) {
	s.hookMu.RLock()
	h := s.hook
	s.hookMu.RUnlock()
	if h != nil {
		h(ctx, t)
	}
}

// Create validates and stores a new task, records its birth in the
// activity log and publishes task.created.
func (s *Service) Create(ctx context.Context, t *store.Task, actor activity.Actor) (*store.Task, error) {
	if t.Title == "" {
		return nil, &wefterrors.ValidationError{
			Field:      "title",
			Message:    "title is required",
			Suggestion: "provide a non-empty title",
		}
	}
	if t.Status != "" {
		if !t.Status.Valid() || t.Status == store.TaskStatusArchived {
			return nil, &wefterrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown initial status %q", t.Status)}
		}
		if t.Status.IsTerminal() {
			return nil, &wefterrors.ValidationError{Field: "status", Message: "tasks cannot be created in a terminal status"}
		}
	}
	if t.Urgency != "" && !t.Urgency.Valid() {
		return nil, &wefterrors.ValidationError{Field: "urgency", Message: fmt.Sprintf("unknown urgency %q", t.Urgency)}
	}
	// A flow task is the root of its run and never has a parent.
	if t.TaskType == store.TaskTypeFlow && t.ParentID != "" {
		return nil, &wefterrors.ValidationError{Field: "parentId", Message: "flow tasks cannot have a parent"}
	}
	if t.ParentID != "" {
		if _, err := s.store.GetTask(ctx, t.ParentID); err != nil {
			if wefterrors.IsNotFound(err) {
				return nil, &wefterrors.ValidationError{Field: "parentId", Message: fmt.Sprintf("parent task %s does not exist", t.ParentID)}
			}
			return nil, err
		}
	}
	if t.CreatedBy == "" {
		t.CreatedBy = actor.ID
	}
	if t.Status == store.TaskStatusInProgress && t.StartedAt == nil {
		now := s.now()
		t.StartedAt = &now
	}

	created, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}

	s.activity.Record(ctx, created.ID, activity.EventCreated, actor, nil)
	s.bus.Publish(bus.Event{Type: bus.EventTaskCreated, SubjectID: created.ID, Payload: created})
	return created, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// UpdateRequest is a partial task update. Nil fields are left alone.
// Status changes do not travel this way; use Transition.
type UpdateRequest struct {
	Title       *string
	Summary     *string
	ExtraPrompt *string
	Urgency     *store.Urgency
	Assignee    *string
	Tags        *[]string

	// ParentID moves the task; the empty string detaches it
	ParentID *string

	DueAt      *time.Time
	ClearDueAt bool

	ExpectedQuantity *int64

	// Metadata entries are merged key by key
	Metadata map[string]any
}

// Update applies a partial update, records the diff in the activity log
// and publishes the most specific event the diff allows: a pure move is
// task.moved, a pure assignee change task.assignee.changed, a pure
// urgency change task.priority.changed, a metadata-only change
// task.metadata.changed, anything else task.updated.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest, actor activity.Actor) (*store.Task, error) {
	before, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.Status.IsTerminal() {
		return nil, &wefterrors.ConflictError{
			Resource: "task",
			ID:       id,
			Reason:   fmt.Sprintf("tasks are immutable once %s", before.Status),
		}
	}
	if req.Urgency != nil && !req.Urgency.Valid() {
		return nil, &wefterrors.ValidationError{Field: "urgency", Message: fmt.Sprintf("unknown urgency %q", *req.Urgency)}
	}
	if req.ParentID != nil {
		if err := s.validateMove(ctx, before, *req.ParentID); err != nil {
			return nil, err
		}
	}

	update, changes := diffUpdate(before, req)
	if len(changes) == 0 {
		return before, nil
	}

	after, err := s.store.UpdateTask(ctx, id, update)
	if err != nil {
		return nil, err
	}

	s.activity.Record(ctx, id, activity.EventUpdated, actor, changes)
	s.bus.Publish(bus.Event{Type: updateEventType(changes), SubjectID: id, Payload: after, Changes: changes})
	return after, nil
}

// validateMove rejects self-parenting, unknown parents, cycles and
// reparenting a run's root.
func (s *Service) validateMove(ctx context.Context, t *store.Task, newParent string) error {
	if t.TaskType == store.TaskTypeFlow && newParent != "" {
		return &wefterrors.ValidationError{Field: "parentId", Message: "flow tasks cannot have a parent"}
	}
	if newParent == "" || newParent == t.ParentID {
		return nil
	}
	if newParent == t.ID {
		return &wefterrors.ValidationError{Field: "parentId", Message: "a task cannot be its own parent"}
	}

	seen := map[string]bool{t.ID: true}
	for cursor := newParent; cursor != ""; {
		if seen[cursor] {
			return &wefterrors.ValidationError{
				Field:   "parentId",
				Message: fmt.Sprintf("moving under %s would create a cycle", newParent),
			}
		}
		seen[cursor] = true
		parent, err := s.store.GetTask(ctx, cursor)
		if err != nil {
			if wefterrors.IsNotFound(err) && cursor == newParent {
				return &wefterrors.ValidationError{Field: "parentId", Message: fmt.Sprintf("parent task %s does not exist", newParent)}
			}
			return err
		}
		cursor = parent.ParentID
	}
	return nil
}

// diffUpdate narrows the request to fields that actually change and
// builds the matching store update plus the audit diff.
func diffUpdate(before *store.Task, req UpdateRequest) (store.UpdateTask, []store.FieldChange) {
	var update store.UpdateTask
	var changes []store.FieldChange

	if req.Title != nil && *req.Title != before.Title {
		update.Title = req.Title
		changes = append(changes, store.FieldChange{Field: "title", OldValue: before.Title, NewValue: *req.Title})
	}
	if req.Summary != nil && *req.Summary != before.Summary {
		update.Summary = req.Summary
		changes = append(changes, store.FieldChange{Field: "summary", OldValue: before.Summary, NewValue: *req.Summary})
	}
	if req.ExtraPrompt != nil && *req.ExtraPrompt != before.ExtraPrompt {
		update.ExtraPrompt = req.ExtraPrompt
		changes = append(changes, store.FieldChange{Field: "extraPrompt", OldValue: before.ExtraPrompt, NewValue: *req.ExtraPrompt})
	}
	if req.Urgency != nil && *req.Urgency != before.Urgency {
		update.Urgency = req.Urgency
		changes = append(changes, store.FieldChange{Field: "urgency", OldValue: before.Urgency, NewValue: *req.Urgency})
	}
	if req.Assignee != nil && *req.Assignee != before.Assignee {
		update.Assignee = req.Assignee
		changes = append(changes, store.FieldChange{Field: "assignee", OldValue: before.Assignee, NewValue: *req.Assignee})
	}
	if req.Tags != nil && !slices.Equal(*req.Tags, before.Tags) {
		update.Tags = req.Tags
		changes = append(changes, store.FieldChange{Field: "tags", OldValue: before.Tags, NewValue: *req.Tags})
	}
	if req.ParentID != nil && *req.ParentID != before.ParentID {
		update.ParentID = req.ParentID
		changes = append(changes, store.FieldChange{Field: "parentId", OldValue: before.ParentID, NewValue: *req.ParentID})
	}
	if req.ClearDueAt {
		if before.DueAt != nil {
			update.ClearDueAt = true
			changes = append(changes, store.FieldChange{Field: "dueAt", OldValue: *before.DueAt, NewValue: nil})
		}
	} else if req.DueAt != nil && (before.DueAt == nil || !req.DueAt.Equal(*before.DueAt)) {
		update.DueAt = req.DueAt
		var old any
		if before.DueAt != nil {
			old = *before.DueAt
		}
		changes = append(changes, store.FieldChange{Field: "dueAt", OldValue: old, NewValue: *req.DueAt})
	}
	if req.ExpectedQuantity != nil && (before.ExpectedQuantity == nil || *req.ExpectedQuantity != *before.ExpectedQuantity) {
		update.ExpectedQuantity = req.ExpectedQuantity
		var old any
		if before.ExpectedQuantity != nil {
			old = *before.ExpectedQuantity
		}
		changes = append(changes, store.FieldChange{Field: "expectedQuantity", OldValue: old, NewValue: *req.ExpectedQuantity})
	}
	for _, k := range sortedKeys(req.Metadata) {
		v := req.Metadata[k]
		if reflect.DeepEqual(before.Metadata[k], v) {
			continue
		}
		if update.Metadata == nil {
			update.Metadata = make(map[string]any)
		}
		update.Metadata[k] = v
		changes = append(changes, store.FieldChange{Field: "metadata." + k, OldValue: before.Metadata[k], NewValue: v})
	}
	return update, changes
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// updateEventType maps a diff to its most specific event.
func updateEventType(changes []store.FieldChange) bus.EventType {
	if len(changes) == 1 {
		switch changes[0].Field {
		case "parentId":
			return bus.EventTaskMoved
		case "assignee":
			return bus.EventTaskAssigneeChanged
		case "urgency":
			return bus.EventTaskPriorityChanged
		}
	}
	metadataOnly := true
	for _, c := range changes {
		if !strings.HasPrefix(c.Field, "metadata.") {
			metadataOnly = false
			break
		}
	}
	if metadataOnly {
		return bus.EventTaskMetadataChanged
	}
	return bus.EventTaskUpdated
}

// TransitionRequest is one status change with the fields that may land
// with it.
type TransitionRequest struct {
	To store.TaskStatus

	// Error is the failure message; only meaningful for failed
	Error string

	// Output is merged into metadata under "output"
	Output map[string]any

	// Metadata entries are merged key by key
	Metadata map[string]any

	// DecisionResult records a decision task's chosen target
	DecisionResult string

	// Attempt is appended to the task's webhook attempt history
	Attempt *store.WebhookAttempt

	Actor activity.Actor
}

// Transition moves a task along the status graph through one
// compare-and-set. Losing the CAS against a concurrent writer or asking
// for an edge the graph does not have both yield a ConflictError.
func (s *Service) Transition(ctx context.Context, id string, req TransitionRequest) (*store.Task, error) {
	if !req.To.Valid() || req.To == store.TaskStatusArchived {
		return nil, &wefterrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown target status %q", req.To)}
	}
	sources := transitionSources[req.To]

	before, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(sources, before.Status) {
		return nil, &wefterrors.ConflictError{
			Resource: "task",
			ID:       id,
			Reason:   fmt.Sprintf("cannot transition from %s to %s", before.Status, req.To),
		}
	}

	mutation := store.TaskMutation{
		To:             req.To,
		Error:          req.Error,
		DecisionResult: req.DecisionResult,
		Metadata:       req.Metadata,
		AppendAttempt:  req.Attempt,
		// A terminal task never has an armed deadline.
		ClearSchedule: req.To.IsTerminal(),
	}
	if len(req.Output) > 0 {
		if mutation.Metadata == nil {
			mutation.Metadata = make(map[string]any, 1)
		}
		mutation.Metadata["output"] = req.Output
	}

	after, err := s.store.AtomicTransition(ctx, id, sources, mutation)
	if err != nil {
		return nil, err
	}
	if after == nil {
		// Lost the election: someone moved the task first.
		current, gerr := s.store.GetTask(ctx, id)
		reason := fmt.Sprintf("transition to %s lost to a concurrent update", req.To)
		if gerr == nil {
			reason = fmt.Sprintf("cannot transition from %s to %s", current.Status, req.To)
		}
		return nil, &wefterrors.ConflictError{Resource: "task", ID: id, Reason: reason}
	}

	changes := []store.FieldChange{{Field: "status", OldValue: before.Status, NewValue: after.Status}}
	s.activity.Record(ctx, id, activity.EventStatusChanged, req.Actor, changes)
	s.bus.Publish(bus.Event{Type: bus.EventTaskStatusChanged, SubjectID: id, Payload: after, Changes: changes})

	if after.Status.IsTerminal() {
		s.fireCompletionHook(ctx, after)
	}
	return after, nil
}

// Archive flips the soft-delete flag. Archiving requires a terminal
// status; unarchiving is always allowed.
func (s *Service) Archive(ctx context.Context, id string, archived bool, actor activity.Actor) (*store.Task, error) {
	before, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if archived && !before.Status.IsTerminal() {
		return nil, &wefterrors.ConflictError{
			Resource: "task",
			ID:       id,
			Reason:   fmt.Sprintf("cannot archive a %s task", before.Status),
		}
	}
	if before.Archived == archived {
		return before, nil
	}

	after, err := s.store.UpdateTask(ctx, id, store.UpdateTask{Archived: &archived})
	if err != nil {
		return nil, err
	}

	event := activity.EventArchived
	if !archived {
		event = activity.EventUnarchived
	}
	changes := []store.FieldChange{{Field: "archived", OldValue: before.Archived, NewValue: archived}}
	s.activity.Record(ctx, id, event, actor, changes)
	s.bus.Publish(bus.Event{Type: bus.EventTaskUpdated, SubjectID: id, Payload: after, Changes: changes})
	return after, nil
}

// Delete removes a terminal, childless task and publishes task.deleted.
// Live tasks are never deleted; archive them or cancel them first.
func (s *Service) Delete(ctx context.Context, id string, actor activity.Actor) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		return &wefterrors.ConflictError{
			Resource: "task",
			ID:       id,
			Reason:   fmt.Sprintf("cannot delete a %s task", t.Status),
		}
	}
	children, err := s.store.ChildTasks(ctx, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return &wefterrors.ConflictError{Resource: "task", ID: id, Reason: "task still has children"}
	}

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.activity.Record(ctx, id, activity.EventDeleted, actor, nil)
	s.bus.Publish(bus.Event{Type: bus.EventTaskDeleted, SubjectID: id, Payload: t})
	return nil
}

// List returns a filtered page of tasks plus the total match count.
func (s *Service) List(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*store.Task, int64, error) {
	return s.store.ListTasks(ctx, filter, page)
}

// CountByStatus counts matching tasks grouped by status.
func (s *Service) CountByStatus(ctx context.Context, filter store.TaskFilter) (map[store.TaskStatus]int64, error) {
	return s.store.CountByStatus(ctx, filter)
}

// GetWithChildren returns a task together with its immediate children.
func (s *Service) GetWithChildren(ctx context.Context, id string) (*store.Task, []*store.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	children, err := s.store.ChildTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, children, nil
}

// TreeNode is one task with its resolved children.
type TreeNode struct {
	Task     *store.Task `json:"task"`
	Children []*TreeNode `json:"children,omitempty"`
}

// BuildTree assembles the task hierarchy under rootID down to maxDepth
// levels (0 means unbounded). Children appear in creation order.
func (s *Service) BuildTree(ctx context.Context, rootID string, maxDepth int) (*TreeNode, error) {
	root, err := s.store.GetTask(ctx, rootID)
	if err != nil {
		return nil, err
	}
	descendants, err := s.store.DescendantTasks(ctx, rootID, maxDepth)
	if err != nil {
		return nil, err
	}

	nodes := map[string]*TreeNode{rootID: {Task: root}}
	for _, d := range descendants {
		nodes[d.ID] = &TreeNode{Task: d}
	}
	// DescendantTasks is breadth first, so parents always precede their
	// children here.
	for _, d := range descendants {
		parent, ok := nodes[d.ParentID]
		if !ok {
			continue
		}
		parent.Children = append(parent.Children, nodes[d.ID])
	}
	return nodes[rootID], nil
}

// AddComment appends a comment to the task's activity log and publishes
// task.comment.added. Commenting is allowed in any status.
func (s *Service) AddComment(ctx context.Context, id, comment string, actor activity.Actor) error {
	if comment == "" {
		return &wefterrors.ValidationError{Field: "comment", Message: "comment is required"}
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	s.activity.RecordComment(ctx, id, actor, comment)
	s.bus.Publish(bus.Event{Type: bus.EventTaskCommentAdded, SubjectID: id, Payload: map[string]any{
		"taskId":    t.ID,
		"comment":   comment,
		"actorId":   actor.ID,
		"actorType": actor.Type,
	}})
	return nil
}

// Activity returns a task's audit history, oldest first.
func (s *Service) Activity(ctx context.Context, id string) ([]*store.ActivityEntry, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.activity.List(ctx, id)
}
