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

package store

import (
	"context"
	"time"

	"github.com/weftworks/weft/pkg/workflow"
)

// TaskMutation is what an AtomicTransition applies when its compare-and-set
// matches. The gateway stamps UpdatedAt always, StartedAt on the first move
// to in_progress, and CompletedAt on any terminal status.
type TaskMutation struct {
	// To is the target status
	To TaskStatus

	// Error sets the task failure message when non-empty
	Error string

	// DecisionResult records the chosen target of a decision task
	DecisionResult string

	// Metadata entries are merged key by key into task metadata
	Metadata map[string]any

	// Sealed, when non-nil, sets the batch sealing flag
	Sealed *bool

	// ExpectedQuantity, when non-nil, mirrors the sealed total on the task
	ExpectedQuantity *int64

	// ScheduledFor arms (or, with ClearSchedule, disarms) the task's
	// engine deadline
	ScheduledFor  *time.Time
	ScheduleKind  TimerKind
	ClearSchedule bool

	// AppendAttempt appends one webhook delivery attempt
	AppendAttempt *WebhookAttempt
}

// UpdateTask is a partial update applied by the task service. Nil pointer
// fields are left untouched.
type UpdateTask struct {
	Title       *string
	Summary     *string
	ExtraPrompt *string
	Urgency     *Urgency
	Assignee    *string
	Tags        *[]string

	// ParentID moves the task under a new parent; pointing at the empty
	// string detaches it
	ParentID *string

	DueAt      *time.Time
	ClearDueAt bool

	ExpectedQuantity *int64

	// Metadata entries are merged key by key; existing keys are replaced
	Metadata map[string]any

	Archived *bool
}

// TaskFilter selects tasks for listing and counting. Zero values mean
// "any". Archived tasks are excluded unless IncludeArchived is set or
// Statuses names TaskStatusArchived explicitly.
type TaskFilter struct {
	RunID           string
	ParentID        string
	StepID          string
	Statuses        []TaskStatus
	TaskTypes       []string
	Tags            []string
	Assignee        string
	Text            string
	IncludeArchived bool
}

// RunFilter selects runs for listing.
type RunFilter struct {
	WorkflowID  string
	Statuses    []RunStatus
	ExternalID  string
	ParentRunID string

	// From and To bound CreatedAt (inclusive from, exclusive to)
	From *time.Time
	To   *time.Time
}

// Page bounds and orders a listing. Sort is a document field name with an
// optional "-" prefix for descending; empty sorts by -createdAt.
type Page struct {
	Limit  int64
	Offset int64
	Sort   string
}

// UpdateRun is a partial update to run bookkeeping fields. Status never
// changes this way; use AtomicRunTransition.
type UpdateRun struct {
	RootTaskID   *string
	Output       map[string]any
	Error        *string
	FailedStepID *string
}

// RunMutation is what an AtomicRunTransition applies when its
// compare-and-set matches. The gateway stamps StartedAt on the move to
// running and CompletedAt on any terminal status.
type RunMutation struct {
	To           RunStatus
	Error        string
	FailedStepID string
	Output       map[string]any
}

// Gateway is the storage contract of the engine. Both backends return
// documents by value (clones); mutating a returned document never changes
// stored state.
//
// Atomic methods follow one convention: a compare-and-set that matches no
// document returns (nil, nil), never an error. Callers treat nil as "lost
// the election" or "already moved on" and walk away.
type Gateway interface {
	TaskStore
	RunStore
	WorkflowStore
	ActivityStore
	BatchStore
	ExternalJobStore
	WebhookStore
	Admin
}

// TaskStore is the task collection surface.
type TaskStore interface {
	// CreateTask inserts a new task and returns the stored document.
	CreateTask(ctx context.Context, task *Task) (*Task, error)

	// GetTask returns a task or a NotFoundError.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask applies a partial update and returns the post-image.
	UpdateTask(ctx context.Context, id string, update UpdateTask) (*Task, error)

	// DeleteTask removes a task document. The task service gates this on
	// terminal status; the gateway only requires that the task exists.
	DeleteTask(ctx context.Context, id string) error

	// AtomicTransition moves a task from any of the given statuses to
	// mutation.To in one compare-and-set, applying the mutation's fields.
	// It returns (nil, nil) when the task is not in an allowed status, and
	// a NotFoundError when the task does not exist at all.
	AtomicTransition(ctx context.Context, id string, from []TaskStatus, mutation TaskMutation) (*Task, error)

	// IncrementCounters atomically adjusts batch counters and returns the
	// post-image.
	IncrementCounters(ctx context.Context, id string, deltas CounterDeltas) (*Task, error)

	// FindAndClaimDue leases one task whose schedule of any given kind is
	// due at now: the schedule is consumed atomically so a concurrent
	// claimer cannot fire the same deadline twice. The returned document
	// is the pre-claim image (schedule fields intact); (nil, nil) means
	// nothing is due.
	FindAndClaimDue(ctx context.Context, now time.Time, kinds []TimerKind) (*Task, error)

	// ListTasks returns a page of tasks and the total match count.
	ListTasks(ctx context.Context, filter TaskFilter, page Page) ([]*Task, int64, error)

	// ChildTasks returns the immediate children of a task, oldest first.
	ChildTasks(ctx context.Context, parentID string) ([]*Task, error)

	// DescendantTasks returns the transitive children of a task, breadth
	// first, down to maxDepth levels (0 means no limit).
	DescendantTasks(ctx context.Context, rootID string, maxDepth int) ([]*Task, error)

	// CountByStatus counts matching tasks grouped by status.
	CountByStatus(ctx context.Context, filter TaskFilter) (map[TaskStatus]int64, error)
}

// RunStore is the workflow_runs collection surface.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update UpdateRun) (*Run, error)

	// AtomicRunTransition is the run-status compare-and-set; same nil
	// convention as AtomicTransition.
	AtomicRunTransition(ctx context.Context, id string, from []RunStatus, mutation RunMutation) (*Run, error)

	ListRuns(ctx context.Context, filter RunFilter, page Page) ([]*Run, int64, error)

	// AddCurrentStep adds a step to the run frontier (idempotent).
	AddCurrentStep(ctx context.Context, runID, stepID string) (*Run, error)

	// AppendCompletedStep moves a step off the frontier into the completed
	// set in one atomic update and returns the post-image.
	AppendCompletedStep(ctx context.Context, runID, stepID string) (*Run, error)

	// AddPendingActivation parks one deferred step activation on a paused
	// run; concurrent parks of different steps never clobber each other.
	AddPendingActivation(ctx context.Context, runID, stepID string, input map[string]any) error

	// RemovePendingActivation drops one parked activation.
	RemovePendingActivation(ctx context.Context, runID, stepID string) error
}

// WorkflowStore is the workflows collection surface. Published versions are
// immutable; publishing writes a new (id, version) document.
type WorkflowStore interface {
	PutWorkflow(ctx context.Context, pub *workflow.Published) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Published, error)
	GetWorkflowVersion(ctx context.Context, id string, version int) (*workflow.Published, error)
	ListWorkflows(ctx context.Context) ([]*workflow.Published, error)
}

// ActivityStore is the append-only activity_logs surface.
type ActivityStore interface {
	AppendActivity(ctx context.Context, entry *ActivityEntry) error

	// ListActivity returns a task's entries oldest first.
	ListActivity(ctx context.Context, taskID string) ([]*ActivityEntry, error)
}

// BatchStore is the batch_items and batch_jobs surface.
type BatchStore interface {
	// InsertBatchItem writes one ledger row; a duplicate
	// (parentTaskId, itemKey) pair returns a ConflictError.
	InsertBatchItem(ctx context.Context, item *BatchItem) error

	GetBatchItemByKey(ctx context.Context, parentTaskID, itemKey string) (*BatchItem, error)
	ListBatchItems(ctx context.Context, parentTaskID string) ([]*BatchItem, error)

	UpsertBatchJob(ctx context.Context, job *BatchJob) error
	GetBatchJob(ctx context.Context, taskID string) (*BatchJob, error)
}

// ExternalJobStore is the external_jobs surface.
type ExternalJobStore interface {
	UpsertExternalJob(ctx context.Context, job *ExternalJob) error
	GetExternalJob(ctx context.Context, taskID string) (*ExternalJob, error)

	// IncrementExternalCallbacks bumps the received counter and returns
	// the post-image.
	IncrementExternalCallbacks(ctx context.Context, taskID string, delta int64) (*ExternalJob, error)
}

// WebhookStore covers inbound callback registrations and outbound delivery
// records.
type WebhookStore interface {
	RegisterWebhook(ctx context.Context, reg *WebhookRegistration) error

	// TouchWebhook stamps the registration's last callback time.
	TouchWebhook(ctx context.Context, taskID string, at time.Time) error

	ListWebhooks(ctx context.Context, runID string) ([]*WebhookRegistration, error)

	AppendWebhookDelivery(ctx context.Context, delivery *WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, taskID string) ([]*WebhookDelivery, error)
}

// Admin covers lifecycle and schema management.
type Admin interface {
	// EnsureIndexes applies pending schema migrations (index builds) and
	// records them; it is idempotent and safe to run at every startup.
	EnsureIndexes(ctx context.Context) error

	// SchemaVersion reports the applied schema version.
	SchemaVersion(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
