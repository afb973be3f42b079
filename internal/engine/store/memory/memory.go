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

// Package memory implements the store gateway in process memory.
//
// It is the development and test backend. The contracts match the mongo
// backend exactly: compare-and-set transitions and counter increments are
// serialized under one mutex, so concurrency elections behave the same as
// they do against a real document store, and every document crossing the
// boundary is cloned.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/store"
)

// CurrentSchemaVersion mirrors the mongo backend's schema version so health
// reporting looks the same against either backend.
const CurrentSchemaVersion = 1

// Store is an in-memory store.Gateway.
type Store struct {
	mu sync.Mutex

	tasks     map[string]*store.Task
	runs      map[string]*store.Run
	workflows map[string][]*workflow.Published // id -> versions ascending
	activity  map[string][]*store.ActivityEntry

	batchItems   map[string]*store.BatchItem // parentTaskID+"\x00"+itemKey
	batchOrder   map[string][]string         // parentTaskID -> item ids in insert order
	batchItemsID map[string]*store.BatchItem // item id -> item
	batchJobs    map[string]*store.BatchJob
	externalJobs map[string]*store.ExternalJob

	webhooks   map[string]*store.WebhookRegistration // taskID -> registration
	deliveries map[string][]*store.WebhookDelivery

	closed bool
	now    func() time.Time
}

var _ store.Gateway = (*Store)(nil)

// New returns an empty in-memory gateway.
func New() *Store {
	return &Store{
		tasks:        make(map[string]*store.Task),
		runs:         make(map[string]*store.Run),
		workflows:    make(map[string][]*workflow.Published),
		activity:     make(map[string][]*store.ActivityEntry),
		batchItems:   make(map[string]*store.BatchItem),
		batchOrder:   make(map[string][]string),
		batchItemsID: make(map[string]*store.BatchItem),
		batchJobs:    make(map[string]*store.BatchJob),
		externalJobs: make(map[string]*store.ExternalJob),
		webhooks:     make(map[string]*store.WebhookRegistration),
		deliveries:   make(map[string][]*store.WebhookDelivery),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Tests use it to control timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- tasks ---

// CreateTask inserts a new task and returns the stored document.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := task.Clone()
	if t.ID == "" {
		t.ID = store.NewTaskID()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return nil, &wefterrors.ConflictError{Resource: "task", ID: t.ID, Reason: "task already exists"}
	}
	if t.Status == "" {
		t.Status = store.TaskStatusPending
	}
	if t.Urgency == "" {
		t.Urgency = store.UrgencyNormal
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.tasks[t.ID] = t
	return t.Clone(), nil
}

// GetTask returns a task or a NotFoundError.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
	}
	return t.Clone(), nil
}

// UpdateTask applies a partial update and returns the post-image.
func (s *Store) UpdateTask(ctx context.Context, id string, update store.UpdateTask) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
	}

	if update.Title != nil {
		t.Title = *update.Title
	}
	if update.Summary != nil {
		t.Summary = *update.Summary
	}
	if update.ExtraPrompt != nil {
		t.ExtraPrompt = *update.ExtraPrompt
	}
	if update.Urgency != nil {
		t.Urgency = *update.Urgency
	}
	if update.Assignee != nil {
		t.Assignee = *update.Assignee
	}
	if update.Tags != nil {
		t.Tags = append([]string(nil), (*update.Tags)...)
	}
	if update.ParentID != nil {
		t.ParentID = *update.ParentID
	}
	if update.ClearDueAt {
		t.DueAt = nil
	} else if update.DueAt != nil {
		due := *update.DueAt
		t.DueAt = &due
	}
	if update.ExpectedQuantity != nil {
		q := *update.ExpectedQuantity
		t.ExpectedQuantity = &q
	}
	if len(update.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range store.CloneMap(update.Metadata) {
			t.Metadata[k] = v
		}
	}
	if update.Archived != nil {
		t.Archived = *update.Archived
	}
	t.UpdatedAt = s.now()

	return t.Clone(), nil
}

// DeleteTask removes a task document.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return &wefterrors.NotFoundError{Resource: "task", ID: id}
	}
	delete(s.tasks, id)
	return nil
}

// AtomicTransition is the task-status compare-and-set.
func (s *Store) AtomicTransition(ctx context.Context, id string, from []store.TaskStatus, mutation store.TaskMutation) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
	}

	matched := false
	for _, status := range from {
		if t.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, nil
	}

	now := s.now()
	t.Status = mutation.To
	t.UpdatedAt = now
	if mutation.To == store.TaskStatusInProgress && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if mutation.To.IsTerminal() && t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
	if mutation.Error != "" {
		t.Error = mutation.Error
	}
	if mutation.DecisionResult != "" {
		t.DecisionResult = mutation.DecisionResult
	}
	if len(mutation.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(mutation.Metadata))
		}
		for k, v := range store.CloneMap(mutation.Metadata) {
			t.Metadata[k] = v
		}
	}
	if mutation.Sealed != nil {
		t.Sealed = *mutation.Sealed
	}
	if mutation.ExpectedQuantity != nil {
		q := *mutation.ExpectedQuantity
		t.ExpectedQuantity = &q
	}
	if mutation.ClearSchedule {
		t.ScheduledFor = nil
		t.ScheduleKind = ""
	} else if mutation.ScheduledFor != nil {
		at := *mutation.ScheduledFor
		t.ScheduledFor = &at
		t.ScheduleKind = mutation.ScheduleKind
	}
	if mutation.AppendAttempt != nil {
		t.WebhookAttempts = append(t.WebhookAttempts, *mutation.AppendAttempt)
	}

	return t.Clone(), nil
}

// IncrementCounters atomically adjusts batch counters.
func (s *Store) IncrementCounters(ctx context.Context, id string, deltas store.CounterDeltas) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "task", ID: id}
	}

	c := t.BatchCounters
	if deltas.ExpectedAtLeast > c.ExpectedCount {
		c.ExpectedCount = deltas.ExpectedAtLeast
	}
	c.ReceivedCount += deltas.Received
	c.ProcessedCount += deltas.Processed
	c.FailedCount += deltas.Failed
	if c.ExpectedCount < 0 || c.ReceivedCount < 0 || c.ProcessedCount < 0 || c.FailedCount < 0 {
		return nil, &wefterrors.FatalError{
			Op:     "tasks.incrementCounters",
			Reason: "batch counter went negative",
		}
	}
	t.BatchCounters = c
	t.UpdatedAt = s.now()

	return t.Clone(), nil
}

// FindAndClaimDue leases the earliest due schedule of the given kinds.
func (s *Store) FindAndClaimDue(ctx context.Context, now time.Time, kinds []store.TimerKind) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kindSet := make(map[store.TimerKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var due *store.Task
	for _, t := range s.tasks {
		if t.ScheduledFor == nil || t.ScheduledFor.After(now) {
			continue
		}
		if len(kinds) > 0 && !kindSet[t.ScheduleKind] {
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}
		if due == nil || t.ScheduledFor.Before(*due.ScheduledFor) {
			due = t
		}
	}
	if due == nil {
		return nil, nil
	}

	// The claim consumes the schedule; the caller gets the pre-claim image.
	claimed := due.Clone()
	due.ScheduledFor = nil
	due.ScheduleKind = ""
	due.UpdatedAt = s.now()
	return claimed, nil
}

// ListTasks returns a page of tasks and the total match count.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*store.Task, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*store.Task
	for _, t := range s.tasks {
		if matchTask(t, filter) {
			matched = append(matched, t)
		}
	}
	sortTasks(matched, page.Sort)

	total := int64(len(matched))
	matched = paginate(matched, page)

	out := make([]*store.Task, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, total, nil
}

// ChildTasks returns the immediate children of a task, oldest first.
func (s *Store) ChildTasks(ctx context.Context, parentID string) ([]*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(parentID), nil
}

func (s *Store) childrenLocked(parentID string) []*store.Task {
	var children []*store.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			children = append(children, t.Clone())
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].ID < children[j].ID
		}
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children
}

// DescendantTasks returns the transitive children of a task breadth first.
func (s *Store) DescendantTasks(ctx context.Context, rootID string, maxDepth int) ([]*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Task
	frontier := []string{rootID}
	for depth := 0; len(frontier) > 0; depth++ {
		if maxDepth > 0 && depth >= maxDepth {
			break
		}
		var next []string
		for _, id := range frontier {
			children := s.childrenLocked(id)
			out = append(out, children...)
			for _, c := range children {
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// CountByStatus counts matching tasks grouped by status.
func (s *Store) CountByStatus(ctx context.Context, filter store.TaskFilter) (map[store.TaskStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[store.TaskStatus]int64)
	for _, t := range s.tasks {
		if matchTask(t, filter) {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// --- runs ---

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := run.Clone()
	if r.ID == "" {
		r.ID = store.NewRunID()
	}
	if _, exists := s.runs[r.ID]; exists {
		return nil, &wefterrors.ConflictError{Resource: "run", ID: r.ID, Reason: "run already exists"}
	}
	if r.Status == "" {
		r.Status = store.RunStatusPending
	}
	r.CreatedAt = s.now()

	s.runs[r.ID] = r
	return r.Clone(), nil
}

// GetRun returns a run or a NotFoundError.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "run", ID: id}
	}
	return r.Clone(), nil
}

// UpdateRun applies a partial update to run bookkeeping fields.
func (s *Store) UpdateRun(ctx context.Context, id string, update store.UpdateRun) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "run", ID: id}
	}

	if update.RootTaskID != nil {
		r.RootTaskID = *update.RootTaskID
	}
	if update.Output != nil {
		r.OutputPayload = store.CloneMap(update.Output)
	}
	if update.Error != nil {
		r.Error = *update.Error
	}
	if update.FailedStepID != nil {
		r.FailedStepID = *update.FailedStepID
	}

	return r.Clone(), nil
}

// AtomicRunTransition is the run-status compare-and-set.
func (s *Store) AtomicRunTransition(ctx context.Context, id string, from []store.RunStatus, mutation store.RunMutation) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "run", ID: id}
	}

	matched := false
	for _, status := range from {
		if r.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, nil
	}

	now := s.now()
	r.Status = mutation.To
	if mutation.To == store.RunStatusRunning && r.StartedAt == nil {
		started := now
		r.StartedAt = &started
	}
	if mutation.To.IsTerminal() && r.CompletedAt == nil {
		completed := now
		r.CompletedAt = &completed
	}
	if mutation.Error != "" {
		r.Error = mutation.Error
	}
	if mutation.FailedStepID != "" {
		r.FailedStepID = mutation.FailedStepID
	}
	if mutation.Output != nil {
		r.OutputPayload = store.CloneMap(mutation.Output)
	}

	return r.Clone(), nil
}

// ListRuns returns a page of runs and the total match count.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter, page store.Page) ([]*store.Run, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*store.Run
	for _, r := range s.runs {
		if matchRun(r, filter) {
			matched = append(matched, r)
		}
	}
	sortRuns(matched, page.Sort)

	total := int64(len(matched))
	matched = paginate(matched, page)

	out := make([]*store.Run, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, total, nil
}

// AddCurrentStep adds a step to the run frontier.
func (s *Store) AddCurrentStep(ctx context.Context, runID, stepID string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "run", ID: runID}
	}
	if !containsString(r.CurrentStepIDs, stepID) {
		r.CurrentStepIDs = append(r.CurrentStepIDs, stepID)
	}
	return r.Clone(), nil
}

// AppendCompletedStep moves a step off the frontier into the completed set.
func (s *Store) AppendCompletedStep(ctx context.Context, runID, stepID string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "run", ID: runID}
	}
	if !containsString(r.CompletedStepIDs, stepID) {
		r.CompletedStepIDs = append(r.CompletedStepIDs, stepID)
	}
	r.CurrentStepIDs = removeString(r.CurrentStepIDs, stepID)
	return r.Clone(), nil
}

// AddPendingActivation parks one deferred step activation.
func (s *Store) AddPendingActivation(ctx context.Context, runID, stepID string, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &wefterrors.NotFoundError{Resource: "run", ID: runID}
	}
	if r.PendingActivations == nil {
		r.PendingActivations = make(map[string]map[string]any)
	}
	r.PendingActivations[stepID] = store.CloneMap(input)
	return nil
}

// RemovePendingActivation drops one parked activation.
func (s *Store) RemovePendingActivation(ctx context.Context, runID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &wefterrors.NotFoundError{Resource: "run", ID: runID}
	}
	delete(r.PendingActivations, stepID)
	return nil
}

// --- workflows ---

// PutWorkflow writes a published version, replacing an identical (id,
// version) pair.
func (s *Store) PutWorkflow(ctx context.Context, pub *workflow.Published) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *pub
	versions := s.workflows[pub.ID]
	for i, existing := range versions {
		if existing.Version == pub.Version {
			versions[i] = &clone
			return nil
		}
	}
	versions = append(versions, &clone)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.workflows[pub.ID] = versions
	return nil
}

// GetWorkflow returns the latest published version.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Published, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, &wefterrors.NotFoundError{Resource: "workflow", ID: id}
	}
	clone := *versions[len(versions)-1]
	return &clone, nil
}

// GetWorkflowVersion returns one published version.
func (s *Store) GetWorkflowVersion(ctx context.Context, id string, version int) (*workflow.Published, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pub := range s.workflows[id] {
		if pub.Version == version {
			clone := *pub
			return &clone, nil
		}
	}
	return nil, &wefterrors.NotFoundError{Resource: "workflow", ID: id}
}

// ListWorkflows returns the latest version of every workflow, sorted by id.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Published, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*workflow.Published, 0, len(s.workflows))
	for _, versions := range s.workflows {
		if len(versions) == 0 {
			continue
		}
		clone := *versions[len(versions)-1]
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- activity ---

// AppendActivity writes one audit record.
func (s *Store) AppendActivity(ctx context.Context, entry *store.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	if e.ID == "" {
		e.ID = store.NewActivityID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Changes = append([]store.FieldChange(nil), entry.Changes...)
	e.Metadata = store.CloneMap(entry.Metadata)

	s.activity[e.TaskID] = append(s.activity[e.TaskID], &e)
	return nil
}

// ListActivity returns a task's entries oldest first.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]*store.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.activity[taskID]
	out := make([]*store.ActivityEntry, len(entries))
	for i, e := range entries {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

// --- batch ---

func batchKey(parentTaskID, itemKey string) string {
	return parentTaskID + "\x00" + itemKey
}

// InsertBatchItem writes one ledger row; duplicates conflict.
func (s *Store) InsertBatchItem(ctx context.Context, item *store.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batchKey(item.ParentTaskID, item.ItemKey)
	if _, exists := s.batchItems[key]; exists {
		return &wefterrors.ConflictError{
			Resource: "batch item",
			ID:       item.ItemKey,
			Reason:   "duplicate item key for parent " + item.ParentTaskID,
		}
	}

	clone := *item
	if clone.ID == "" {
		clone.ID = store.NewBatchItemID()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}

	s.batchItems[key] = &clone
	s.batchItemsID[clone.ID] = &clone
	s.batchOrder[item.ParentTaskID] = append(s.batchOrder[item.ParentTaskID], clone.ID)
	return nil
}

// GetBatchItemByKey returns a ledger row or a NotFoundError.
func (s *Store) GetBatchItemByKey(ctx context.Context, parentTaskID, itemKey string) (*store.BatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.batchItems[batchKey(parentTaskID, itemKey)]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "batch item", ID: itemKey}
	}
	clone := *item
	return &clone, nil
}

// ListBatchItems returns a parent's ledger rows in insertion order.
func (s *Store) ListBatchItems(ctx context.Context, parentTaskID string) ([]*store.BatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.batchOrder[parentTaskID]
	out := make([]*store.BatchItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.batchItemsID[id]; ok {
			clone := *item
			out = append(out, &clone)
		}
	}
	return out, nil
}

// UpsertBatchJob writes the reporting view of one batch.
func (s *Store) UpsertBatchJob(ctx context.Context, job *store.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *job
	if existing, ok := s.batchJobs[job.TaskID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = s.now()
	s.batchJobs[job.TaskID] = &clone
	return nil
}

// GetBatchJob returns one batch job or a NotFoundError.
func (s *Store) GetBatchJob(ctx context.Context, taskID string) (*store.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.batchJobs[taskID]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "batch job", ID: taskID}
	}
	clone := *job
	return &clone, nil
}

// --- external jobs ---

// UpsertExternalJob writes the callback-wait view of one external task.
// ReceivedCallbacks is owned by IncrementExternalCallbacks and survives
// upserts of an existing job.
func (s *Store) UpsertExternalJob(ctx context.Context, job *store.ExternalJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *job
	if existing, ok := s.externalJobs[job.TaskID]; ok {
		clone.CreatedAt = existing.CreatedAt
		clone.ReceivedCallbacks = existing.ReceivedCallbacks
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = s.now()
	s.externalJobs[job.TaskID] = &clone
	return nil
}

// GetExternalJob returns one external job or a NotFoundError.
func (s *Store) GetExternalJob(ctx context.Context, taskID string) (*store.ExternalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.externalJobs[taskID]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "external job", ID: taskID}
	}
	clone := *job
	return &clone, nil
}

// IncrementExternalCallbacks bumps the received counter.
func (s *Store) IncrementExternalCallbacks(ctx context.Context, taskID string, delta int64) (*store.ExternalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.externalJobs[taskID]
	if !ok {
		return nil, &wefterrors.NotFoundError{Resource: "external job", ID: taskID}
	}
	job.ReceivedCallbacks += delta
	job.UpdatedAt = s.now()
	clone := *job
	return &clone, nil
}

// --- webhooks ---

// RegisterWebhook records one expected inbound callback.
func (s *Store) RegisterWebhook(ctx context.Context, reg *store.WebhookRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *reg
	if clone.ID == "" {
		clone.ID = store.NewWebhookID()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	s.webhooks[reg.TaskID] = &clone
	return nil
}

// TouchWebhook stamps the registration's last callback time.
func (s *Store) TouchWebhook(ctx context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.webhooks[taskID]
	if !ok {
		return nil
	}
	stamp := at
	reg.LastCallbackAt = &stamp
	return nil
}

// ListWebhooks returns a run's registrations, oldest first.
func (s *Store) ListWebhooks(ctx context.Context, runID string) ([]*store.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.WebhookRegistration
	for _, reg := range s.webhooks {
		if reg.RunID == runID {
			clone := *reg
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendWebhookDelivery records one outbound attempt.
func (s *Store) AppendWebhookDelivery(ctx context.Context, delivery *store.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *delivery
	if clone.ID == "" {
		clone.ID = store.NewDeliveryID()
	}
	if clone.At.IsZero() {
		clone.At = s.now()
	}
	clone.HeaderNames = append([]string(nil), delivery.HeaderNames...)
	s.deliveries[delivery.TaskID] = append(s.deliveries[delivery.TaskID], &clone)
	return nil
}

// ListWebhookDeliveries returns a task's attempts, oldest first.
func (s *Store) ListWebhookDeliveries(ctx context.Context, taskID string) ([]*store.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.deliveries[taskID]
	out := make([]*store.WebhookDelivery, len(records))
	for i, d := range records {
		clone := *d
		out[i] = &clone
	}
	return out, nil
}

// --- admin ---

// EnsureIndexes is a no-op: map access needs no indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error { return nil }

// SchemaVersion reports the schema version this backend mirrors.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return CurrentSchemaVersion, nil
}

// Ping reports whether the store accepts operations.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &wefterrors.StoreUnavailableError{Op: "ping", Cause: wefterrors.New("store closed")}
	}
	return nil
}

// Close marks the store closed. Data is retained so late reads in draining
// goroutines see consistent state.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --- filtering, sorting, paging ---

func matchTask(t *store.Task, f store.TaskFilter) bool {
	if f.RunID != "" && t.WorkflowRunID != f.RunID {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.StepID != "" && t.WorkflowStepID != f.StepID {
		return false
	}

	wantArchived := f.IncludeArchived
	if len(f.Statuses) > 0 {
		matched := false
		for _, status := range f.Statuses {
			if status == store.TaskStatusArchived {
				// Filter alias: archived is a flag, not a stored status.
				wantArchived = true
				if t.Archived {
					matched = true
				}
				continue
			}
			if t.Status == status {
				matched = true
			}
		}
		if !matched {
			return false
		}
	}
	if t.Archived && !wantArchived {
		return false
	}

	if len(f.TaskTypes) > 0 && !containsString(f.TaskTypes, t.TaskType) {
		return false
	}
	for _, tag := range f.Tags {
		if !containsString(t.Tags, tag) {
			return false
		}
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(t.Title), needle) &&
			!strings.Contains(strings.ToLower(t.Summary), needle) {
			return false
		}
	}
	return true
}

func matchRun(r *store.Run, f store.RunFilter) bool {
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.Statuses) > 0 {
		matched := false
		for _, status := range f.Statuses {
			if r.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.ExternalID != "" && r.ExternalID != f.ExternalID {
		return false
	}
	if f.ParentRunID != "" && r.ParentRunID != f.ParentRunID {
		return false
	}
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func sortTasks(tasks []*store.Task, key string) {
	field, desc := sortSpec(key)
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		var less bool
		switch field {
		case "updatedAt":
			less = a.UpdatedAt.Before(b.UpdatedAt)
		case "title":
			less = a.Title < b.Title
		default:
			if a.CreatedAt.Equal(b.CreatedAt) {
				less = a.ID < b.ID
			} else {
				less = a.CreatedAt.Before(b.CreatedAt)
			}
		}
		if desc {
			return !less
		}
		return less
	})
}

func sortRuns(runs []*store.Run, key string) {
	field, desc := sortSpec(key)
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		var less bool
		switch field {
		case "workflowId":
			less = a.WorkflowID < b.WorkflowID
		default:
			if a.CreatedAt.Equal(b.CreatedAt) {
				less = a.ID < b.ID
			} else {
				less = a.CreatedAt.Before(b.CreatedAt)
			}
		}
		if desc {
			return !less
		}
		return less
	})
}

// sortSpec parses "-createdAt" into ("createdAt", true). Empty means
// createdAt descending: newest first is the default everywhere.
func sortSpec(key string) (string, bool) {
	if key == "" {
		return "createdAt", true
	}
	if strings.HasPrefix(key, "-") {
		return key[1:], true
	}
	return key, false
}

func paginate[T any](items []T, page store.Page) []T {
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(items)) {
		return nil
	}
	items = items[offset:]
	if page.Limit > 0 && page.Limit < int64(len(items)) {
		items = items[:page.Limit]
	}
	return items
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func removeString(haystack []string, needle string) []string {
	out := haystack[:0]
	for _, s := range haystack {
		if s != needle {
			out = append(out, s)
		}
	}
	return out
}
